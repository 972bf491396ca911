// SPDX-License-Identifier: MPL-2.0

package buildsys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/dag"
	"github.com/kilnbuild/kiln/internal/metrics"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/toolchain"

	"github.com/charmbracelet/log"
)

// Stage names, in pipeline order.
const (
	StageSetup        = "Setup Environment"
	StageConfigure    = "Configure Modules"
	StageBuild        = "Build Modules"
	StageTest         = "Run Tests"
	StagePackage      = "Create Packages"
	StageVerify       = "Verify Packages"
	StageDistribution = "Create Distribution"

	// ReportFileName is written into the build directory after a successful build.
	ReportFileName = "build_report.json"
	// PipelineReportFileName records every run, passing or not.
	PipelineReportFileName = "pipeline_report.json"
	// VerificationReportFileName is written into the package directory.
	VerificationReportFileName = "verification_report.json"
)

// ErrNoPackages is returned by package verification when packaging is
// enabled but the package directory holds no packages.
var ErrNoPackages = errors.New("no packages to verify")

type (
	// Options configure a System. Zero values select the defaults.
	Options struct {
		Invoker toolchain.Invoker
		Logger  *log.Logger
		Clock   clock.Clock
		// Installed reports whether a module outside the enabled set is
		// already installed, so dependencies on it count as satisfied.
		Installed func(name string) bool
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// System builds one project according to its configuration.
	System struct {
		root      string
		cfg       *config.Config
		invoker   toolchain.Invoker
		logger    *log.Logger
		clock     clock.Clock
		installed func(string) bool
		stdout    io.Writer
		stderr    io.Writer
	}

	// ModuleBuildError reports the module that stopped the build loop.
	ModuleBuildError struct {
		Module string
		Built  int
		Total  int
		Cause  error
	}

	// TestFailureError reports failing test executables.
	TestFailureError struct {
		Failed []string
		Total  int
	}
)

func (e *ModuleBuildError) Error() string {
	return fmt.Sprintf("module %q failed to build (%d of %d modules built): %v", e.Module, e.Built, e.Total, e.Cause)
}

func (e *ModuleBuildError) Unwrap() error { return e.Cause }

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("%d of %d tests failed: %v", len(e.Failed), e.Total, e.Failed)
}

// New returns a System for the project at root.
func New(root string, cfg *config.Config, opts Options) *System {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	s := &System{
		root:      root,
		cfg:       cfg,
		invoker:   opts.Invoker,
		logger:    opts.Logger,
		clock:     clock.OrReal(opts.Clock),
		installed: opts.Installed,
		stdout:    opts.Stdout,
		stderr:    opts.Stderr,
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard)
	}
	if s.stdout == nil {
		s.stdout = io.Discard
	}
	if s.stderr == nil {
		s.stderr = io.Discard
	}
	if s.invoker == nil {
		s.invoker = &toolchain.ExecInvoker{Stdout: s.stdout, Stderr: s.stderr}
	}
	return s
}

// Config returns the configuration the system builds with.
func (s *System) Config() *config.Config { return s.cfg }

func (s *System) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.root, p)
}

// BuildDir returns the absolute build directory.
func (s *System) BuildDir() string { return s.resolve(s.cfg.Paths.BuildDir) }

// DistDir returns the absolute distribution directory.
func (s *System) DistDir() string { return s.resolve(s.cfg.Paths.DistDir) }

// CacheDir returns the absolute per-module build cache directory.
func (s *System) CacheDir() string { return s.resolve(s.cfg.Paths.CacheDir) }

// ModulesDir returns the absolute module source directory.
func (s *System) ModulesDir() string { return s.resolve(s.cfg.Paths.ModulesDir) }

// PackageDir returns where packaging places module archives.
func (s *System) PackageDir() string { return filepath.Join(s.BuildDir(), "packages") }

// ExecutionContext returns the context every stage of a run shares.
func (s *System) ExecutionContext() *pipeline.ExecutionContext {
	return &pipeline.ExecutionContext{
		ProjectRoot:     s.root,
		BuildDir:        s.BuildDir(),
		DistDir:         s.DistDir(),
		BuildType:       s.cfg.BuildType.String(),
		DisabledModules: s.cfg.DisabledModules(),
		ParallelJobs:    s.cfg.ParallelJobs,
		Stdout:          s.stdout,
		Stderr:          s.stderr,
	}
}

// Schedule validates the dependency graph and orders the enabled modules.
// Cycles and unresolved external dependencies are logged as warnings.
func (s *System) Schedule() (*dag.Schedule, error) {
	g := dag.FromDependencies(s.cfg.ModuleNames(), s.cfg.Dependencies)
	sched, err := g.Schedule(s.cfg.EnabledModules(), dag.ScheduleOptions{
		Preference: s.cfg.ModuleBuildOrder,
		Installed:  s.installed,
	})
	if err != nil {
		return nil, err
	}
	for _, f := range sched.Forced {
		s.logger.Warn("dependency cycle detected, forcing module", "module", f.Module, "unmet", f.Unmet)
	}
	for _, v := range sched.Violations {
		s.logger.Warn("build order violates dependency", "module", v.Module, "dependency", v.Dependency)
	}
	for m, deps := range sched.Unresolved {
		s.logger.Warn("dependency is disabled and not installed", "module", m, "dependencies", deps)
	}
	return sched, nil
}

// Stages returns the full build pipeline. Every stage is required.
func (s *System) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{Name: StageSetup, Action: s.setupEnvironment, Required: true},
		{Name: StageConfigure, Action: s.configureModules, Required: true},
		{Name: StageBuild, Action: s.buildModules, Required: true},
		{Name: StageTest, Action: s.runTests, Required: true},
		{Name: StagePackage, Action: s.createPackages, Required: true},
		{Name: StageVerify, Action: s.verifyPackages, Required: true},
		{Name: StageDistribution, Action: s.createDistribution, Required: true},
	}
}

func (s *System) executor() *pipeline.Executor {
	return &pipeline.Executor{Logger: s.logger, Clock: s.clock}
}

// FullBuild runs every stage. The pipeline report is always saved in the
// build directory; the build report only after a passing run. The returned
// error is the pipeline's StageFailure.
func (s *System) FullBuild(ctx context.Context) (*pipeline.Report, error) {
	s.logger.Info("starting full build", "project", s.root, "build_type", s.cfg.BuildType)
	report := s.executor().Run(ctx, s.Stages(), s.ExecutionContext())
	s.persist(report)

	if err := report.Err(); err != nil {
		return report, err
	}

	br, err := s.GenerateReport()
	if err != nil {
		return report, err
	}
	path := filepath.Join(s.BuildDir(), ReportFileName)
	if err := br.WriteFile(path); err != nil {
		return report, err
	}
	s.logger.Info("build completed", "duration", report.Duration(), "report", path)
	return report, nil
}

// RunStages runs the named stages only, in pipeline order.
func (s *System) RunStages(ctx context.Context, names ...string) (*pipeline.Report, error) {
	var stages []pipeline.Stage
	for _, st := range s.Stages() {
		for _, n := range names {
			if st.Name == n {
				stages = append(stages, st)
			}
		}
	}
	if len(stages) != len(names) {
		return nil, fmt.Errorf("unknown stage in %v", names)
	}
	report := s.executor().Run(ctx, stages, s.ExecutionContext())
	return report, report.Err()
}

// persist writes the pipeline report and, when configured, the metrics
// textfile. Failures are logged; they never change the build outcome.
func (s *System) persist(report *pipeline.Report) {
	if err := report.WriteFile(filepath.Join(s.BuildDir(), PipelineReportFileName)); err != nil {
		s.logger.Warn("failed to save pipeline report", "err", err)
	}
	if s.cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(s.resolve(s.cfg.MetricsFile), report); err != nil {
		s.logger.Warn("failed to write metrics", "err", err)
	}
}

// Clean removes the build directory and the module build cache.
func (s *System) Clean() error {
	for _, dir := range []string{s.BuildDir(), s.CacheDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		s.logger.Info("removed", "dir", dir)
	}
	return nil
}

// vars returns the template variables for tool argv expansion.
func (s *System) vars(ec *pipeline.ExecutionContext, module, source string) map[string]string {
	return map[string]string{
		"project_root": ec.ProjectRoot,
		"build_type":   ec.BuildType,
		"jobs":         strconv.Itoa(ec.ParallelJobs),
		"module":       module,
		"source":       source,
	}
}

// invoke expands template and runs it in dir. An empty template is a no-op.
func (s *System) invoke(ctx context.Context, ec *pipeline.ExecutionContext, template []string, vars map[string]string, dir string) error {
	argv := toolchain.Expand(template, vars)
	if len(argv) == 0 || argv[0] == "" {
		return nil
	}
	s.logger.Debug("invoking tool", "tool", argv[0], "args", argv[1:], "dir", dir)
	_, err := toolchain.Run(ctx, s.invoker, toolchain.Invocation{
		Tool: argv[0],
		Args: argv[1:],
		Dir:  dir,
		Env:  ec.ToolEnv(),
	})
	return err
}

// verifier returns a package verifier sharing the system logger and clock.
func (s *System) verifier() *archive.Verifier {
	return &archive.Verifier{Logger: s.logger, Clock: s.clock}
}
