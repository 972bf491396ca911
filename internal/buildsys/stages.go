// SPDX-License-Identifier: MPL-2.0

package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/toolchain"

	"github.com/bmatcuk/doublestar/v4"
)

func (s *System) setupEnvironment(_ context.Context, ec *pipeline.ExecutionContext) error {
	dirs := []string{
		filepath.Join(ec.BuildDir, "modules"),
		filepath.Join(ec.BuildDir, "plugins"),
		s.PackageDir(),
		filepath.Join(ec.DistDir, "packages"),
		filepath.Join(ec.DistDir, "installers"),
		s.CacheDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

// configureModules validates the configuration and the dependency graph so
// that configuration errors surface before any tool runs.
func (s *System) configureModules(_ context.Context, ec *pipeline.ExecutionContext) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	for _, w := range s.cfg.Warnings() {
		s.logger.Warn(w)
	}
	sched, err := s.Schedule()
	if err != nil {
		return err
	}
	if len(ec.DisabledModules) > 0 {
		s.logger.Info("modules disabled", "modules", strings.Join(ec.DisabledModules, ", "))
	}
	s.logger.Info("build order", "order", strings.Join(sched.Order, " -> "))
	return nil
}

func (s *System) buildModules(ctx context.Context, ec *pipeline.ExecutionContext) error {
	if !s.cfg.EnableOptimizations {
		return s.buildStandard(ctx, ec)
	}

	sched, err := s.Schedule()
	if err != nil {
		return err
	}
	batch := pipeline.RunBatch(sched.Order, pipeline.StopOnFailure, func(module string) error {
		return s.buildModule(ctx, ec, module)
	})
	s.logger.Info("module build finished", "summary", batch.Summary())

	if n := len(batch.Results); n > 0 && batch.Results[n-1].Err != nil {
		last := batch.Results[n-1]
		return &ModuleBuildError{Module: last.Item, Built: batch.Succeeded(), Total: batch.Total, Cause: last.Err}
	}
	return nil
}

// buildModule configures and compiles one module in its own cache directory.
func (s *System) buildModule(ctx context.Context, ec *pipeline.ExecutionContext, module string) error {
	moduleDir := filepath.Join(s.ModulesDir(), module)
	if _, err := os.Stat(moduleDir); err != nil {
		return fmt.Errorf("module directory not found: %s", moduleDir)
	}
	buildDir := filepath.Join(s.CacheDir(), "build_"+module)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}

	vars := s.vars(ec, module, filepath.Join(moduleDir, module+".pri"))
	s.logger.Info("building module", "module", module)
	if err := s.invoke(ctx, ec, s.cfg.Toolchain.Configure, vars, buildDir); err != nil {
		return err
	}
	if err := s.invoke(ctx, ec, s.cfg.Toolchain.Build, vars, buildDir); err != nil {
		return err
	}
	s.logger.Info("module built", "module", module)
	return nil
}

func (s *System) buildStandard(ctx context.Context, ec *pipeline.ExecutionContext) error {
	vars := s.vars(ec, "", ec.ProjectRoot)
	if err := s.invoke(ctx, ec, s.cfg.Toolchain.Configure, vars, ec.BuildDir); err != nil {
		return err
	}
	return s.invoke(ctx, ec, s.cfg.Toolchain.Build, vars, ec.BuildDir)
}

// runTests runs every executable under the build directory that matches the
// test pattern. All tests run even after a failure.
func (s *System) runTests(ctx context.Context, ec *pipeline.ExecutionContext) error {
	if !s.cfg.EnableTesting {
		s.logger.Info("testing disabled, skipping")
		return nil
	}
	tests, err := s.findTests(ec.BuildDir)
	if err != nil {
		return err
	}
	if len(tests) == 0 {
		s.logger.Info("no test executables found")
		return nil
	}

	batch := pipeline.RunBatch(tests, pipeline.ContinueOnFailure, func(exe string) error {
		_, err := toolchain.Run(ctx, s.invoker, toolchain.Invocation{
			Tool: exe,
			Dir:  filepath.Dir(exe),
			Env:  ec.ToolEnv(),
		})
		if err != nil {
			s.logger.Error("test failed", "test", filepath.Base(exe), "err", err)
		} else {
			s.logger.Info("test passed", "test", filepath.Base(exe))
		}
		return err
	})
	if failed := batch.Failed(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, f := range failed {
			names[i] = filepath.Base(f)
		}
		return &TestFailureError{Failed: names, Total: batch.Total}
	}
	s.logger.Info("all tests passed", "summary", batch.Summary())
	return nil
}

// findTests returns the executable regular files under dir that match the
// configured pattern, as absolute paths.
func (s *System) findTests(dir string) ([]string, error) {
	pattern := s.cfg.Toolchain.TestPattern
	if pattern == "" {
		pattern = "**/*test*"
	}
	matches, err := doublestar.Glob(os.DirFS(dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("invalid test pattern %q: %w", pattern, err)
	}
	var out []string
	for _, m := range matches {
		p := filepath.Join(dir, filepath.FromSlash(m))
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *System) createPackages(ctx context.Context, ec *pipeline.ExecutionContext) error {
	if !s.cfg.EnablePackaging {
		s.logger.Info("packaging disabled, skipping")
		return nil
	}
	return s.invoke(ctx, ec, s.cfg.Toolchain.Package, s.vars(ec, "", ec.ProjectRoot), ec.BuildDir)
}

// verifyPackages checks every package in the package directory. An empty
// directory only fails when packaging is enabled.
func (s *System) verifyPackages(_ context.Context, _ *pipeline.ExecutionContext) error {
	dir := s.PackageDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) && !s.cfg.EnablePackaging {
		return nil
	}
	report, err := s.verifier().VerifyDir(dir)
	if err != nil {
		return err
	}
	if report.Summary.Total == 0 {
		if s.cfg.EnablePackaging {
			return fmt.Errorf("%w in %s", ErrNoPackages, dir)
		}
		s.logger.Info("no packages to verify")
		return nil
	}
	if err := report.WriteFile(filepath.Join(dir, VerificationReportFileName)); err != nil {
		s.logger.Warn("failed to save verification report", "err", err)
	}
	s.logger.Info("packages verified", "valid", report.Summary.Valid, "total", report.Summary.Total)
	return report.Err()
}

func (s *System) createDistribution(ctx context.Context, ec *pipeline.ExecutionContext) error {
	return s.invoke(ctx, ec, s.cfg.Toolchain.Distribute, s.vars(ec, "", ec.ProjectRoot), ec.BuildDir)
}
