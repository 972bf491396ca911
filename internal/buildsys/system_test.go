// SPDX-License-Identifier: MPL-2.0

package buildsys

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/dag"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/testutil"
	"github.com/kilnbuild/kiln/internal/testutil/moduletest"
	"github.com/kilnbuild/kiln/internal/toolchain"

	"github.com/google/go-cmp/cmp"
)

type fakeInvoker struct {
	mu     sync.Mutex
	calls  []toolchain.Invocation
	handle func(inv toolchain.Invocation) *toolchain.Result
}

func (f *fakeInvoker) Invoke(_ context.Context, inv toolchain.Invocation) (*toolchain.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(inv), nil
	}
	return &toolchain.Result{}, nil
}

// commands renders each call as "<dir base>: <tool> <args>".
func (f *fakeInvoker) commands() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = filepath.Base(c.Dir) + ": " + strings.Join(append([]string{filepath.Base(c.Tool)}, c.Args...), " ")
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ParallelJobs = 4
	cfg.Modules = map[string]config.ModuleSpec{
		"utils": {Enabled: true, Required: true},
		"core":  {Enabled: true, Required: true},
		"audio": {Enabled: true},
		"chat":  {Enabled: false},
	}
	cfg.Dependencies = map[string][]string{
		"core":  {"utils"},
		"audio": {"utils"},
		"chat":  {"core"},
	}
	cfg.ModuleBuildOrder = []string{"utils", "core", "audio"}
	cfg.Toolchain.Configure = []string{"qmake", "{source}", "CONFIG+={build_type}"}
	return cfg
}

func newTestSystem(t *testing.T, cfg *config.Config, inv *fakeInvoker) *System {
	t.Helper()
	root := t.TempDir()
	for _, m := range cfg.ModuleNames() {
		testutil.MustMkdirAll(t, filepath.Join(root, "modules", m), 0o755)
	}
	return New(root, cfg, Options{
		Invoker: inv,
		Clock:   clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
}

// packagingInvoker creates a valid core package when the package tool runs.
func packagingInvoker(t *testing.T) *fakeInvoker {
	return &fakeInvoker{handle: func(inv toolchain.Invocation) *toolchain.Result {
		if inv.Tool == "make" && slices.Contains(inv.Args, "package_all") {
			moduletest.New("core").Pack(t, filepath.Join(inv.Dir, "packages"))
		}
		return &toolchain.Result{}
	}}
}

func TestFullBuild_Success(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MetricsFile = "build/metrics/kiln.prom"
	inv := packagingInvoker(t)
	sys := newTestSystem(t, cfg, inv)

	report, err := sys.FullBuild(context.Background())
	if err != nil {
		t.Fatalf("FullBuild() error = %v", err)
	}
	for _, st := range report.Stages {
		if st.Outcome != pipeline.OutcomePass {
			t.Errorf("stage %q = %s (%s)", st.Name, st.Outcome, st.Error)
		}
	}
	if len(report.Stages) != 7 {
		t.Errorf("ran %d stages, want 7", len(report.Stages))
	}

	want := []string{
		"build_utils: qmake " + filepath.Join(sys.ModulesDir(), "utils", "utils.pri") + " CONFIG+=release",
		"build_utils: make -j4",
		"build_core: qmake " + filepath.Join(sys.ModulesDir(), "core", "core.pri") + " CONFIG+=release",
		"build_core: make -j4",
		"build_audio: qmake " + filepath.Join(sys.ModulesDir(), "audio", "audio.pri") + " CONFIG+=release",
		"build_audio: make -j4",
		"build: make package_all",
		"build: make create_distribution",
	}
	if diff := cmp.Diff(want, inv.commands()); diff != "" {
		t.Errorf("tool invocations (-want +got):\n%s", diff)
	}
	for _, c := range inv.calls {
		if !slices.Contains(c.Env, "KILN_DISABLE_MODULES=chat") || !slices.Contains(c.Env, "CONFIG=release") {
			t.Errorf("%s env = %v", c.Tool, c.Env)
		}
	}

	data, err := os.ReadFile(filepath.Join(sys.BuildDir(), ReportFileName))
	if err != nil {
		t.Fatalf("build report missing: %v", err)
	}
	var br BuildReport
	if err := json.Unmarshal(data, &br); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"utils", "core", "audio"}, br.BuildOrder); diff != "" {
		t.Errorf("build order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"packages/core.tar.gz"}, br.BuildArtifacts.Packages); diff != "" {
		t.Errorf("packages (-want +got):\n%s", diff)
	}

	for _, p := range []string{
		filepath.Join(sys.BuildDir(), PipelineReportFileName),
		filepath.Join(sys.PackageDir(), VerificationReportFileName),
		filepath.Join(sys.PackageDir(), "core.tar.gz.sha256"),
		filepath.Join(sys.BuildDir(), "metrics", "kiln.prom"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
}

func TestFullBuild_StopsAtFirstModuleFailure(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handle: func(inv toolchain.Invocation) *toolchain.Result {
		if inv.Tool == "make" && filepath.Base(inv.Dir) == "build_core" {
			return &toolchain.Result{ExitCode: 2, Stderr: "core.cpp:12: error: expected ';'"}
		}
		return &toolchain.Result{}
	}}
	sys := newTestSystem(t, testConfig(), inv)

	report, err := sys.FullBuild(context.Background())

	var failure *pipeline.StageFailure
	if !errors.As(err, &failure) || failure.Stage != StageBuild {
		t.Fatalf("err = %v, want StageFailure at %q", err, StageBuild)
	}
	if failure.Output != "core.cpp:12: error: expected ';'" {
		t.Errorf("Output = %q", failure.Output)
	}
	var buildErr *ModuleBuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("err = %v, want ModuleBuildError", err)
	}
	if buildErr.Module != "core" || buildErr.Built != 1 || buildErr.Total != 3 {
		t.Errorf("ModuleBuildError = %+v", buildErr)
	}
	if !errors.Is(err, toolchain.ErrToolFailed) {
		t.Error("expected ErrToolFailed in chain")
	}

	for _, c := range inv.calls {
		if filepath.Base(c.Dir) == "build_audio" {
			t.Error("audio was built after core failed")
		}
	}
	for _, name := range []string{StageTest, StagePackage, StageVerify, StageDistribution} {
		if got := report.Stage(name).Outcome; got != pipeline.OutcomeSkipped {
			t.Errorf("%s = %s, want skipped", name, got)
		}
	}
	if _, err := os.Stat(filepath.Join(sys.BuildDir(), ReportFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Error("build report written for a failed build")
	}
	if _, err := os.Stat(filepath.Join(sys.BuildDir(), PipelineReportFileName)); err != nil {
		t.Errorf("pipeline report missing after failure: %v", err)
	}
}

func TestFullBuild_UnknownDependencyFailsBeforeTools(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Dependencies["audio"] = []string{"utils", "video"}
	inv := &fakeInvoker{}
	sys := newTestSystem(t, cfg, inv)

	_, err := sys.FullBuild(context.Background())
	var failure *pipeline.StageFailure
	if !errors.As(err, &failure) || failure.Stage != StageConfigure {
		t.Fatalf("err = %v, want failure at %q", err, StageConfigure)
	}
	if !errors.Is(err, dag.ErrUnknownDependency) {
		t.Errorf("err = %v, want ErrUnknownDependency", err)
	}
	if len(inv.calls) != 0 {
		t.Errorf("tools invoked before configuration failed: %v", inv.commands())
	}
}

func TestFullBuild_RequiredModuleDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Modules["core"] = config.ModuleSpec{Enabled: false, Required: true}
	_, err := newTestSystem(t, cfg, &fakeInvoker{}).FullBuild(context.Background())
	if !errors.Is(err, config.ErrRequiredModuleDisabled) {
		t.Errorf("err = %v, want ErrRequiredModuleDisabled", err)
	}
}

func TestBuildModules_StandardMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableOptimizations = false
	cfg.BuildType = config.BuildTypeDebug
	inv := &fakeInvoker{}
	sys := newTestSystem(t, cfg, inv)

	if _, err := sys.RunStages(context.Background(), StageSetup, StageBuild); err != nil {
		t.Fatalf("RunStages() error = %v", err)
	}
	want := []string{
		"build: qmake " + sys.root + " CONFIG+=debug",
		"build: make -j4",
	}
	if diff := cmp.Diff(want, inv.commands()); diff != "" {
		t.Errorf("tool invocations (-want +got):\n%s", diff)
	}
}

func TestRunTests_RunsEveryTest(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{handle: func(inv toolchain.Invocation) *toolchain.Result {
		if filepath.Base(inv.Tool) == "network_test" {
			return &toolchain.Result{ExitCode: 1}
		}
		return &toolchain.Result{}
	}}
	sys := newTestSystem(t, testConfig(), inv)
	bin := filepath.Join(sys.BuildDir(), "bin")
	testutil.MustMkdirAll(t, bin, 0o755)
	for name, mode := range map[string]os.FileMode{"network_test": 0o755, "utils_test": 0o755, "test_data.json": 0o644} {
		if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"), mode); err != nil {
			t.Fatal(err)
		}
	}

	_, err := sys.RunStages(context.Background(), StageTest)
	var testErr *TestFailureError
	if !errors.As(err, &testErr) {
		t.Fatalf("err = %v, want TestFailureError", err)
	}
	if diff := cmp.Diff([]string{"network_test"}, testErr.Failed); diff != "" {
		t.Errorf("failed tests (-want +got):\n%s", diff)
	}
	if testErr.Total != 2 || len(inv.calls) != 2 {
		t.Errorf("Total = %d, calls = %v; want both executables run", testErr.Total, inv.commands())
	}
}

func TestRunTests_Disabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableTesting = false
	inv := &fakeInvoker{}
	if _, err := newTestSystem(t, cfg, inv).RunStages(context.Background(), StageTest); err != nil {
		t.Errorf("RunStages() error = %v", err)
	}
	if len(inv.calls) != 0 {
		t.Errorf("tests ran while disabled: %v", inv.commands())
	}
}

func TestVerifyPackages_EmptyDirectory(t *testing.T) {
	t.Parallel()

	_, err := newTestSystem(t, testConfig(), &fakeInvoker{}).RunStages(context.Background(), StageSetup, StageVerify)
	if !errors.Is(err, ErrNoPackages) {
		t.Errorf("err = %v, want ErrNoPackages", err)
	}

	cfg := testConfig()
	cfg.EnablePackaging = false
	if _, err := newTestSystem(t, cfg, &fakeInvoker{}).RunStages(context.Background(), StageSetup, StageVerify); err != nil {
		t.Errorf("packaging disabled: err = %v, want nil", err)
	}
}

func TestVerifyPackages_InvalidPackage(t *testing.T) {
	t.Parallel()

	sys := newTestSystem(t, testConfig(), &fakeInvoker{})
	moduletest.New("audio").Pack(t, sys.PackageDir())
	moduletest.New("core", moduletest.WithoutFile("src/core.cpp")).Pack(t, sys.PackageDir())

	_, err := sys.RunStages(context.Background(), StageVerify)
	if err == nil || !strings.Contains(err.Error(), "core.tar.gz") {
		t.Errorf("err = %v, want failure naming core.tar.gz", err)
	}
}

func TestRunStages_UnknownStage(t *testing.T) {
	t.Parallel()

	if _, err := newTestSystem(t, testConfig(), &fakeInvoker{}).RunStages(context.Background(), "Deploy"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestClean(t *testing.T) {
	t.Parallel()

	sys := newTestSystem(t, testConfig(), &fakeInvoker{})
	if _, err := sys.RunStages(context.Background(), StageSetup); err != nil {
		t.Fatal(err)
	}
	if err := sys.Clean(); err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	for _, d := range []string{sys.BuildDir(), sys.CacheDir()} {
		if _, err := os.Stat(d); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists", d)
		}
	}
	if err := sys.Clean(); err != nil {
		t.Errorf("second Clean() error = %v", err)
	}
}

func TestGenerateReport_Artifacts(t *testing.T) {
	t.Parallel()

	sys := newTestSystem(t, testConfig(), &fakeInvoker{})
	for _, rel := range []string{"app/kiln-demo.exe", "lib/libcore.so", "lib/libutils.so.2", "packages/core.tar.gz", "notes.txt"} {
		testutil.MustWriteFile(t, filepath.Join(sys.BuildDir(), filepath.FromSlash(rel)), "x")
	}

	br, err := sys.GenerateReport()
	if err != nil {
		t.Fatalf("GenerateReport() error = %v", err)
	}
	want := Artifacts{
		Executables: []string{"app/kiln-demo.exe"},
		Libraries:   []string{"lib/libcore.so", "lib/libutils.so.2"},
		Packages:    []string{"packages/core.tar.gz"},
	}
	if diff := cmp.Diff(want, br.BuildArtifacts); diff != "" {
		t.Errorf("artifacts (-want +got):\n%s", diff)
	}
	if br.BuildInfo.BuildType != "release" || br.BuildInfo.Version != "2.1.0" {
		t.Errorf("build info = %+v", br.BuildInfo)
	}
	if br.Schedule != nil {
		t.Errorf("Schedule should be omitted for a clean order, got %+v", br.Schedule)
	}
}

func TestGenerateReport_SurfacesUnresolvedDependency(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Modules["meeting"] = config.ModuleSpec{Enabled: true}
	cfg.Dependencies["meeting"] = []string{"chat"}

	br, err := newTestSystem(t, cfg, &fakeInvoker{}).GenerateReport()
	if err != nil {
		t.Fatal(err)
	}
	if br.Schedule == nil || !slices.Equal(br.Schedule.Unresolved["meeting"], []string{"chat"}) {
		t.Errorf("Schedule = %+v, want meeting -> chat unresolved", br.Schedule)
	}

	installed := New(t.TempDir(), cfg, Options{Installed: func(name string) bool { return name == "chat" }})
	br, err = installed.GenerateReport()
	if err != nil {
		t.Fatal(err)
	}
	if br.Schedule != nil {
		t.Errorf("installed dependency still reported: %+v", br.Schedule)
	}
}
