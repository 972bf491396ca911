// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
)

const (
	// BuildTypeRelease builds optimized binaries.
	BuildTypeRelease BuildType = "release"
	// BuildTypeDebug builds binaries with debug information.
	BuildTypeDebug BuildType = "debug"
)

var (
	// ErrInvalidBuildType is returned when a BuildType value is not recognized.
	ErrInvalidBuildType = errors.New("invalid build type")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrRequiredModuleDisabled is returned when a required module is disabled.
	ErrRequiredModuleDisabled = errors.New("required module disabled")
)

type (
	// BuildType selects release or debug output.
	BuildType string

	// InvalidBuildTypeError is returned when a BuildType value is not recognized.
	// It wraps ErrInvalidBuildType for errors.Is() compatibility.
	InvalidBuildTypeError struct {
		Value BuildType
	}

	// RequiredModuleDisabledError is returned when a module marked required
	// is also disabled.
	RequiredModuleDisabledError struct {
		Module string
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// ModuleSpec is the enable/require policy of one module.
	ModuleSpec struct {
		Enabled  bool `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
		Required bool `json:"required" mapstructure:"required" yaml:"required"`
	}

	// PathsConfig locates build outputs. Relative paths resolve against the
	// project root.
	PathsConfig struct {
		BuildDir   string `json:"build_dir" mapstructure:"build_dir" yaml:"build_dir"`
		DistDir    string `json:"dist_dir" mapstructure:"dist_dir" yaml:"dist_dir"`
		ModulesDir string `json:"modules_dir" mapstructure:"modules_dir" yaml:"modules_dir"`
		CacheDir   string `json:"cache_dir" mapstructure:"cache_dir" yaml:"cache_dir"`
	}

	// ToolchainConfig holds argv templates for the external build tools.
	// Templates may reference {source}, {module}, {jobs}, {build_type} and
	// {project_root}.
	ToolchainConfig struct {
		Configure   []string `json:"configure" mapstructure:"configure" yaml:"configure"`
		Build       []string `json:"build" mapstructure:"build" yaml:"build"`
		Package     []string `json:"package" mapstructure:"package" yaml:"package"`
		Distribute  []string `json:"distribute" mapstructure:"distribute" yaml:"distribute"`
		TestPattern string   `json:"test_pattern" mapstructure:"test_pattern" yaml:"test_pattern"`
	}

	// InstallConfig configures module installation.
	InstallConfig struct {
		// Prefix is the installation root (headers, libraries, shared data).
		Prefix string `json:"prefix" mapstructure:"prefix" yaml:"prefix"`
	}

	// Config holds the build configuration.
	Config struct {
		Version             string                `json:"version" mapstructure:"version" yaml:"version"`
		BuildType           BuildType             `json:"build_type" mapstructure:"build_type" yaml:"build_type"`
		EnableOptimizations bool                  `json:"enable_optimizations" mapstructure:"enable_optimizations" yaml:"enable_optimizations"`
		EnableTesting       bool                  `json:"enable_testing" mapstructure:"enable_testing" yaml:"enable_testing"`
		EnablePackaging     bool                  `json:"enable_packaging" mapstructure:"enable_packaging" yaml:"enable_packaging"`
		ParallelJobs        int                   `json:"parallel_jobs" mapstructure:"parallel_jobs" yaml:"parallel_jobs"`
		Modules             map[string]ModuleSpec `json:"modules" mapstructure:"modules" yaml:"modules"`
		// Dependencies maps a module to the modules it needs built first.
		Dependencies map[string][]string `json:"dependencies" mapstructure:"dependencies" yaml:"dependencies"`
		// ModuleBuildOrder is the preference list used to break ties between
		// modules that are ready at the same time.
		ModuleBuildOrder []string        `json:"module_build_order" mapstructure:"module_build_order" yaml:"module_build_order"`
		Paths            PathsConfig     `json:"paths" mapstructure:"paths" yaml:"paths"`
		Toolchain        ToolchainConfig `json:"toolchain" mapstructure:"toolchain" yaml:"toolchain"`
		Install          InstallConfig   `json:"install" mapstructure:"install" yaml:"install"`
		// MetricsFile, when set, receives a Prometheus textfile of stage timings.
		MetricsFile string `json:"metrics_file" mapstructure:"metrics_file" yaml:"metrics_file"`
	}
)

// String returns the string representation of the BuildType.
func (b BuildType) String() string { return string(b) }

// Validate returns nil if the BuildType is release or debug.
func (b BuildType) Validate() error {
	switch b {
	case BuildTypeRelease, BuildTypeDebug:
		return nil
	default:
		return &InvalidBuildTypeError{Value: b}
	}
}

// Error implements the error interface for InvalidBuildTypeError.
func (e *InvalidBuildTypeError) Error() string {
	return fmt.Sprintf("invalid build type %q (valid: release, debug)", e.Value)
}

// Unwrap returns ErrInvalidBuildType for errors.Is() compatibility.
func (e *InvalidBuildTypeError) Unwrap() error { return ErrInvalidBuildType }

// Error implements the error interface for RequiredModuleDisabledError.
func (e *RequiredModuleDisabledError) Error() string {
	return fmt.Sprintf("module %q is required and cannot be disabled", e.Module)
}

// Unwrap returns ErrRequiredModuleDisabled for errors.Is() compatibility.
func (e *RequiredModuleDisabledError) Unwrap() error { return ErrRequiredModuleDisabled }

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate checks field values and the module policy. A required module
// must be enabled.
func (c *Config) Validate() error {
	var errs []error
	if err := c.BuildType.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("parallel_jobs must be at least 1, got %d", c.ParallelJobs))
	}
	for _, name := range c.ModuleNames() {
		spec := c.Modules[name]
		if spec.Required && !spec.Enabled {
			errs = append(errs, &RequiredModuleDisabledError{Module: name})
		}
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Warnings reports suspicious but non-fatal settings.
func (c *Config) Warnings() []string {
	var out []string
	for _, name := range c.ModuleBuildOrder {
		if _, ok := c.Modules[name]; !ok {
			out = append(out, fmt.Sprintf("module_build_order names unknown module %q", name))
		}
	}
	return out
}

// ModuleNames returns every configured module in lexicographic order, which
// is the discovery order used by the scheduler.
func (c *Config) ModuleNames() []string {
	return slices.Sorted(maps.Keys(c.Modules))
}

// EnabledModules returns the enabled modules in discovery order.
func (c *Config) EnabledModules() []string {
	var out []string
	for _, name := range c.ModuleNames() {
		if c.Modules[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// DisabledModules returns the disabled modules in discovery order.
func (c *Config) DisabledModules() []string {
	var out []string
	for _, name := range c.ModuleNames() {
		if !c.Modules[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:             "2.1.0",
		BuildType:           BuildTypeRelease,
		EnableOptimizations: true,
		EnableTesting:       true,
		EnablePackaging:     true,
		ParallelJobs:        runtime.NumCPU(),
		Modules: map[string]ModuleSpec{
			"core":          {Enabled: true, Required: true},
			"utils":         {Enabled: true, Required: true},
			"settings":      {Enabled: true},
			"performance":   {Enabled: true},
			"camera":        {Enabled: true},
			"audio":         {Enabled: true},
			"network":       {Enabled: true},
			"ui":            {Enabled: true},
			"chat":          {Enabled: true},
			"screenshare":   {Enabled: true},
			"meeting":       {Enabled: true},
			"compatibility": {Enabled: true},
		},
		Dependencies: map[string][]string{
			"utils":         {},
			"settings":      {"utils"},
			"performance":   {"utils"},
			"core":          {"utils", "settings"},
			"camera":        {"utils"},
			"audio":         {"utils"},
			"network":       {"utils", "settings"},
			"screenshare":   {"utils"},
			"chat":          {"network", "utils"},
			"meeting":       {"network", "utils"},
			"ui":            {"settings"},
			"compatibility": {"utils"},
		},
		ModuleBuildOrder: []string{
			"utils", "settings", "performance", "core", "camera", "audio",
			"network", "screenshare", "chat", "meeting", "ui",
		},
		Paths: PathsConfig{
			BuildDir:   "build",
			DistDir:    "dist",
			ModulesDir: "modules",
			CacheDir:   ".build_cache",
		},
		Toolchain: ToolchainConfig{
			Configure:   []string{"qmake", "{source}", "CONFIG+={build_type}"},
			Build:       []string{"make", "-j{jobs}"},
			Package:     []string{"make", "package_all"},
			Distribute:  []string{"make", "create_distribution"},
			TestPattern: "**/*test*",
		},
		Install: InstallConfig{
			Prefix: "/usr/local",
		},
	}
}
