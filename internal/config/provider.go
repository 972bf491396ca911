// SPDX-License-Identifier: MPL-2.0

package config

import "context"

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set.
	ConfigFilePath string
	// ProjectDir is searched for kiln.{cue,json,yaml,yml,toml}.
	ProjectDir string
	// ConfigDirPath overrides the user config directory lookup when set.
	ConfigDirPath string
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*LoadResult, error)
}

type fileProvider struct{}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*LoadResult, error) {
	return loadWithOptions(ctx, opts)
}

// Load is a convenience wrapper around NewProvider().Load.
func Load(ctx context.Context, opts LoadOptions) (*LoadResult, error) {
	return NewProvider().Load(ctx, opts)
}
