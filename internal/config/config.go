// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kilnbuild/kiln/internal/issue"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "kiln"
	// ProjectFileName is the base name of the per-project config file.
	ProjectFileName = "kiln"
	// UserFileName is the base name of the per-user config file.
	UserFileName = "config"
	// EnvPrefix prefixes environment overrides (KILN_BUILD_TYPE, ...).
	EnvPrefix = "KILN"

	// maxConfigFileSize bounds how much of a config file is read.
	maxConfigFileSize = 4 << 20
)

// ErrConfigParse is the sentinel wrapped by ParseError.
var ErrConfigParse = errors.New("config parse error")

// searchExtensions lists supported file extensions in lookup precedence.
var searchExtensions = []string{".cue", ".json", ".yaml", ".yml", ".toml"}

//go:embed config_schema.cue
var configSchema string

type (
	// ParseError reports a config file that could not be parsed or did not
	// match the schema. Loading recovers from it by using the defaults.
	ParseError struct {
		Path  string
		Cause error
	}

	// LoadResult is the outcome of Load.
	LoadResult struct {
		// Config is the merged, decoded configuration.
		Config *Config
		// Path is the user file that was merged, empty when none was found.
		Path string
		// Warnings lists recovered problems, such as a ParseError.
		Warnings []error
	}
)

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse config %s: %v", e.Path, e.Cause)
}

// Unwrap exposes both ErrConfigParse and the parser error.
func (e *ParseError) Unwrap() []error { return []error{ErrConfigParse, e.Cause} }

// ConfigDir returns the per-user kiln configuration directory:
// %APPDATA% on Windows, ~/Library/Application Support on macOS and
// $XDG_CONFIG_HOME (defaulting to ~/.config) elsewhere.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// DefaultMap returns the defaults as a generic map, keyed the same way as
// config files.
func DefaultMap() map[string]any {
	m, err := toMap(DefaultConfig())
	if err != nil {
		// DefaultConfig only contains JSON-safe values.
		panic(fmt.Sprintf("config: encoding defaults: %v", err))
	}
	return m
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadWithOptions resolves the user file, merges it over the defaults and
// decodes the result. Only an explicitly requested file that does not
// exist is an error; unparsable content degrades to a warning.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*LoadResult, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	result := &LoadResult{}

	path, err := resolvePath(opts)
	if err != nil {
		return nil, err
	}

	merged := DefaultMap()
	if path != "" {
		user, perr := readFile(path)
		if perr != nil {
			result.Warnings = append(result.Warnings, &ParseError{Path: path, Cause: perr})
		} else {
			merged = DeepMerge(merged, user)
			result.Path = path
		}
	}

	cfg, err := decode(merged)
	if err != nil {
		// The merged map only fails to decode when the user file carries
		// values of the wrong type; fall back to pure defaults.
		result.Warnings = append(result.Warnings, &ParseError{Path: path, Cause: err})
		result.Path = ""
		cfg, err = decode(DefaultMap())
		if err != nil {
			return nil, fmt.Errorf("internal error: decoding defaults: %w", err)
		}
	}
	result.Config = cfg
	return result, nil
}

// decode runs the merged map through viper so KILN_* environment overrides
// apply on top of file values.
func decode(merged map[string]any) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"build_type", "parallel_jobs", "install.prefix", "metrics_file"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if err := v.MergeConfigMap(merged); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if cfg.Modules == nil {
		cfg.Modules = map[string]ModuleSpec{}
	}
	if cfg.Dependencies == nil {
		cfg.Dependencies = map[string][]string{}
	}
	return cfg, nil
}

func resolvePath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'kiln config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	if opts.ProjectDir != "" {
		if p := firstExisting(opts.ProjectDir, ProjectFileName); p != "" {
			return p, nil
		}
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		dir, err := ConfigDir()
		if err != nil {
			// No home directory is not fatal; just skip the user file.
			return "", nil
		}
		cfgDir = dir
	}
	return firstExisting(cfgDir, UserFileName), nil
}

func firstExisting(dir, base string) string {
	for _, ext := range searchExtensions {
		p := filepath.Join(dir, base+ext)
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// readFile parses a config file into a generic map according to its
// extension.
func readFile(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), maxConfigFileSize)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return readCUE(path)
	case ".toml":
		return readTOML(path)
	case ".json", ".yaml", ".yml":
		return readViper(path)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// readCUE parses a CUE file and validates it against the #Config schema.
func readCUE(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return nil, userValue.Err()
	}

	// Concrete(false) because every schema field is optional.
	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return nil, err
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return nil, err
	}
	return configMap, nil
}

func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func readViper(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// GenerateCUE renders cfg as a CUE document accepted by the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// kiln build configuration\n\n")
	fmt.Fprintf(&sb, "version:              %q\n", cfg.Version)
	fmt.Fprintf(&sb, "build_type:           %q\n", cfg.BuildType)
	fmt.Fprintf(&sb, "enable_optimizations: %t\n", cfg.EnableOptimizations)
	fmt.Fprintf(&sb, "enable_testing:       %t\n", cfg.EnableTesting)
	fmt.Fprintf(&sb, "enable_packaging:     %t\n", cfg.EnablePackaging)
	fmt.Fprintf(&sb, "parallel_jobs:        %d\n", cfg.ParallelJobs)

	sb.WriteString("\nmodules: {\n")
	for _, name := range cfg.ModuleNames() {
		spec := cfg.Modules[name]
		fmt.Fprintf(&sb, "\t%q: {enabled: %t, required: %t}\n", name, spec.Enabled, spec.Required)
	}
	sb.WriteString("}\n")

	sb.WriteString("\ndependencies: {\n")
	for _, name := range cfg.ModuleNames() {
		deps, ok := cfg.Dependencies[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "\t%q: %s\n", name, cueList(deps))
	}
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\nmodule_build_order: %s\n", cueList(cfg.ModuleBuildOrder))

	sb.WriteString("\npaths: {\n")
	fmt.Fprintf(&sb, "\tbuild_dir:   %q\n", cfg.Paths.BuildDir)
	fmt.Fprintf(&sb, "\tdist_dir:    %q\n", cfg.Paths.DistDir)
	fmt.Fprintf(&sb, "\tmodules_dir: %q\n", cfg.Paths.ModulesDir)
	fmt.Fprintf(&sb, "\tcache_dir:   %q\n", cfg.Paths.CacheDir)
	sb.WriteString("}\n")

	sb.WriteString("\ntoolchain: {\n")
	fmt.Fprintf(&sb, "\tconfigure:    %s\n", cueList(cfg.Toolchain.Configure))
	fmt.Fprintf(&sb, "\tbuild:        %s\n", cueList(cfg.Toolchain.Build))
	fmt.Fprintf(&sb, "\tpackage:      %s\n", cueList(cfg.Toolchain.Package))
	fmt.Fprintf(&sb, "\tdistribute:   %s\n", cueList(cfg.Toolchain.Distribute))
	fmt.Fprintf(&sb, "\ttest_pattern: %q\n", cfg.Toolchain.TestPattern)
	sb.WriteString("}\n")

	fmt.Fprintf(&sb, "\ninstall: prefix: %q\n", cfg.Install.Prefix)
	if cfg.MetricsFile != "" {
		fmt.Fprintf(&sb, "\nmetrics_file: %q\n", cfg.MetricsFile)
	}

	return sb.String()
}

func cueList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// WriteDefault writes the default configuration as kiln.cue in dir unless a
// file already exists there.
func WriteDefault(dir string) (string, error) {
	path := filepath.Join(dir, ProjectFileName+".cue")
	if fileExists(path) {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}
