// SPDX-License-Identifier: MPL-2.0

package buildsys

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/dag"

	"github.com/bmatcuk/doublestar/v4"
)

type (
	// BuildInfo identifies a build.
	BuildInfo struct {
		Version   string    `json:"version" yaml:"version"`
		BuildType string    `json:"build_type" yaml:"build_type"`
		Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
		Platform  string    `json:"platform" yaml:"platform"`
		GoVersion string    `json:"go_version" yaml:"go_version"`
	}

	// Artifacts lists build outputs relative to the build directory.
	Artifacts struct {
		Executables []string `json:"executables" yaml:"executables"`
		Libraries   []string `json:"libraries" yaml:"libraries"`
		Packages    []string `json:"packages" yaml:"packages"`
	}

	// BuildReport is the document saved after a successful build.
	BuildReport struct {
		BuildInfo      BuildInfo                    `json:"build_info" yaml:"build_info"`
		Modules        map[string]config.ModuleSpec `json:"modules" yaml:"modules"`
		BuildOrder     []string                     `json:"build_order" yaml:"build_order"`
		Schedule       *dag.Schedule                `json:"schedule,omitempty" yaml:"schedule,omitempty"`
		BuildArtifacts Artifacts                    `json:"build_artifacts" yaml:"build_artifacts"`
	}
)

var (
	executablePatterns = []string{"**/*.exe"}
	libraryPatterns    = []string{"**/*.so", "**/*.so.*", "**/*.dll", "**/*.dylib", "**/*.a"}
	packagePatterns    = []string{"**/*.tar.gz"}
)

// GenerateReport describes the current configuration, build order and the
// artifacts present in the build directory.
func (s *System) GenerateReport() (*BuildReport, error) {
	sched, err := s.Schedule()
	if err != nil {
		return nil, err
	}
	report := &BuildReport{
		BuildInfo: BuildInfo{
			Version:   s.cfg.Version,
			BuildType: s.cfg.BuildType.String(),
			Timestamp: s.clock.Now().UTC(),
			Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			GoVersion: runtime.Version(),
		},
		Modules:    s.cfg.Modules,
		BuildOrder: sched.Order,
		BuildArtifacts: Artifacts{
			Executables: []string{},
			Libraries:   []string{},
			Packages:    []string{},
		},
	}
	if sched.HasCycle() || len(sched.Unresolved) > 0 {
		report.Schedule = sched
	}

	dir := s.BuildDir()
	if _, err := os.Stat(dir); err != nil {
		return report, nil
	}
	fsys := os.DirFS(dir)
	report.BuildArtifacts.Executables = globAll(fsys, executablePatterns)
	report.BuildArtifacts.Libraries = globAll(fsys, libraryPatterns)
	report.BuildArtifacts.Packages = globAll(fsys, packagePatterns)
	return report, nil
}

// WriteFile writes the report as indented JSON.
func (r *BuildReport) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode build report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write build report: %w", err)
	}
	return nil
}

func globAll(fsys fs.FS, patterns []string) []string {
	out := []string{}
	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, p, doublestar.WithFilesOnly())
		if err != nil {
			continue
		}
		out = append(out, matches...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
