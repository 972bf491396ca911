// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/kilnbuild/kiln/internal/buildsys"
	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/registry"
	"github.com/kilnbuild/kiln/internal/toolchain"

	"github.com/charmbracelet/log"
)

type (
	// App wires CLI services and shared dependencies. All command handlers
	// receive an App and build their services through it.
	App struct {
		Config  config.Provider
		Invoker toolchain.Invoker
		Hooks   registry.HookRunner
		Clock   clock.Clock
		stdin   io.Reader
		stdout  io.Writer
		stderr  io.Writer
		flags   globalFlags
		logger  *log.Logger
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config  config.Provider
		Invoker toolchain.Invoker
		Hooks   registry.HookRunner
		Clock   clock.Clock
		Stdin   io.Reader
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// globalFlags holds the persistent root flags.
	globalFlags struct {
		verbose    bool
		configPath string
		projectDir string
		prefix     string
	}

	// session is the configuration loaded for one command invocation.
	session struct {
		root string
		cfg  *config.Config
		path string
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) (*App, error) {
	if deps.Stdin == nil {
		deps.Stdin = os.Stdin
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	app := &App{
		Config:  deps.Config,
		Invoker: deps.Invoker,
		Hooks:   deps.Hooks,
		Clock:   deps.Clock,
		stdin:   deps.Stdin,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
		flags:   globalFlags{projectDir: "."},
	}
	app.initLogger()
	return app, nil
}

// initLogger (re)creates the logger from the current flag values. Verbose
// mode logs at debug level with timestamps.
func (a *App) initLogger() {
	opts := log.Options{Level: log.InfoLevel}
	if a.flags.verbose {
		opts.Level = log.DebugLevel
		opts.ReportTimestamp = true
	}
	a.logger = log.NewWithOptions(a.stderr, opts)
}

// load resolves the project root and loads its configuration. Recovered
// config problems are logged as warnings.
func (a *App) load(ctx context.Context) (*session, error) {
	root, err := filepath.Abs(a.flags.projectDir)
	if err != nil {
		return nil, err
	}
	res, err := a.Config.Load(ctx, config.LoadOptions{
		ConfigFilePath: a.flags.configPath,
		ProjectDir:     root,
	})
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		a.logger.Warn("using default configuration", "err", w)
	}
	if res.Path != "" {
		a.logger.Debug("configuration loaded", "path", res.Path)
	}
	return &session{root: root, cfg: res.Config, path: res.Path}, nil
}

// prefix returns the installation prefix: the --prefix flag, else the
// configured install.prefix.
func (a *App) prefix(s *session) string {
	if a.flags.prefix != "" {
		return a.flags.prefix
	}
	return s.cfg.Install.Prefix
}

// registry returns the installation registry for the session.
func (a *App) registry(s *session) *registry.Registry {
	reg := registry.New(a.prefix(s), a.logger)
	reg.Clock = a.Clock
	if a.Hooks != nil {
		reg.Hooks = a.Hooks
	}
	return reg
}

// buildSystem returns the build system for the session. Dependencies on
// disabled modules count as satisfied when they are installed.
func (a *App) buildSystem(s *session) *buildsys.System {
	reg := a.registry(s)
	return buildsys.New(s.root, s.cfg, buildsys.Options{
		Invoker:   a.Invoker,
		Logger:    a.logger,
		Clock:     a.Clock,
		Installed: reg.IsInstalled,
		Stdout:    a.stdout,
		Stderr:    a.stderr,
	})
}
