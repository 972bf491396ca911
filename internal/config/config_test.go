// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/internal/issue"
	"github.com/kilnbuild/kiln/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// isolatedOptions points the user config lookup at an empty directory.
func isolatedOptions(t *testing.T, projectDir string) LoadOptions {
	t.Helper()
	return LoadOptions{ProjectDir: projectDir, ConfigDirPath: t.TempDir()}
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Parallel()

	res, err := Load(context.Background(), isolatedOptions(t, t.TempDir()))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Path != "" {
		t.Errorf("Path = %q, want empty", res.Path)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
	if res.Config.BuildType != BuildTypeRelease || len(res.Config.Modules) != 12 {
		t.Errorf("unexpected config: %+v", res.Config)
	}
}

func TestLoad_Formats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file    string
		content string
	}{
		{"kiln.json", `{"build_type": "debug", "modules": {"camera": {"enabled": false}}, "module_build_order": ["core"]}`},
		{"kiln.yaml", "build_type: debug\nmodules:\n  camera:\n    enabled: false\nmodule_build_order: [core]\n"},
		{"kiln.toml", "build_type = \"debug\"\nmodule_build_order = [\"core\"]\n[modules.camera]\nenabled = false\n"},
		{"kiln.cue", "build_type: \"debug\"\nmodules: camera: enabled: false\nmodule_build_order: [\"core\"]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeFile(t, dir, tt.file, tt.content)

			res, err := Load(context.Background(), isolatedOptions(t, dir))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(res.Warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", res.Warnings)
			}
			if res.Path != path {
				t.Errorf("Path = %q, want %q", res.Path, path)
			}
			cfg := res.Config
			if cfg.BuildType != BuildTypeDebug {
				t.Errorf("BuildType = %q, want debug", cfg.BuildType)
			}
			if cfg.Modules["camera"].Enabled {
				t.Error("camera should be disabled")
			}
			// Sibling keys of a partially overridden map survive.
			if !cfg.Modules["core"].Enabled || !cfg.Modules["core"].Required {
				t.Errorf("core lost its defaults: %+v", cfg.Modules["core"])
			}
			// Lists are replaced.
			if len(cfg.ModuleBuildOrder) != 1 || cfg.ModuleBuildOrder[0] != "core" {
				t.Errorf("ModuleBuildOrder = %v, want [core]", cfg.ModuleBuildOrder)
			}
			if !cfg.EnableTesting {
				t.Error("unspecified booleans should keep their defaults")
			}
		})
	}
}

func TestLoad_MalformedFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file    string
		content string
	}{
		{"kiln.json", `{"build_type": "debug",`},
		{"kiln.cue", `build_type: "profile"`},
		{"kiln.toml", `build_type = `},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeFile(t, dir, tt.file, tt.content)

			res, err := Load(context.Background(), isolatedOptions(t, dir))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(res.Warnings) != 1 || !errors.Is(res.Warnings[0], ErrConfigParse) {
				t.Fatalf("Warnings = %v, want one ParseError", res.Warnings)
			}
			if res.Config.BuildType != BuildTypeRelease {
				t.Errorf("BuildType = %q, want defaults", res.Config.BuildType)
			}
		})
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Parallel()

	_, err := Load(context.Background(), LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "nope.cue")})
	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("Load() error = %v, want ActionableError", err)
	}
	if !ae.HasSuggestions() {
		t.Error("expected suggestions on missing config file error")
	}
}

func TestLoad_UserConfigDir(t *testing.T) {
	t.Parallel()

	userDir := t.TempDir()
	writeFile(t, userDir, "config.json", `{"enable_packaging": false}`)

	res, err := Load(context.Background(), LoadOptions{ProjectDir: t.TempDir(), ConfigDirPath: userDir})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Config.EnablePackaging {
		t.Error("user config should disable packaging")
	}
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Load(ctx, LoadOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("KILN_BUILD_TYPE", "debug")
	t.Setenv("KILN_INSTALL_PREFIX", "/opt/kiln")

	res, err := Load(context.Background(), isolatedOptions(t, t.TempDir()))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if res.Config.BuildType != BuildTypeDebug {
		t.Errorf("BuildType = %q, want debug", res.Config.BuildType)
	}
	if res.Config.Install.Prefix != "/opt/kiln" {
		t.Errorf("Install.Prefix = %q", res.Config.Install.Prefix)
	}
}

func TestGenerateCUE_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := WriteDefault(dir)
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if !strings.HasSuffix(path, "kiln.cue") {
		t.Errorf("path = %q", path)
	}

	res, err := Load(context.Background(), isolatedOptions(t, dir))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("generated CUE did not validate: %v", res.Warnings)
	}
	if res.Path != path {
		t.Errorf("Path = %q, want %q", res.Path, path)
	}
	if err := res.Config.Validate(); err != nil {
		t.Errorf("round-tripped config invalid: %v", err)
	}
}

func TestConfigDir_FollowsHome(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG lookup only applies to linux and other unix systems")
	}
	home := t.TempDir()
	t.Cleanup(testutil.SetHomeDir(t, home))
	t.Cleanup(testutil.MustUnsetenv(t, "XDG_CONFIG_HOME"))

	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".config", AppName); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}

	xdg := t.TempDir()
	t.Cleanup(testutil.MustSetenv(t, "XDG_CONFIG_HOME", xdg))
	testutil.MustWriteFile(t, filepath.Join(xdg, AppName, UserFileName+".toml"), "build_type = \"debug\"\n")

	res, err := Load(context.Background(), LoadOptions{ProjectDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.BuildType != BuildTypeDebug {
		t.Errorf("BuildType = %q, want debug from the user config dir", res.Config.BuildType)
	}
}
