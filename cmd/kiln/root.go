// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// newRootCommand builds the kiln command tree around app.
func newRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kiln",
		Short: "Build orchestrator and module installer for plugin-based projects",
		Long: TitleStyle.Render("kiln") + SubtitleStyle.Render(" - build orchestrator and module installer") + `

kiln orders a project's modules by their declared dependencies, runs the
build pipeline through the configured toolchain and manages installed
modules under a prefix.

` + SubtitleStyle.Render("Examples:") + `
  kiln build                      Run the full build pipeline
  kiln order                      Show the module build order
  kiln module install dist/packages/audio.tar.gz
  kiln module list                List installed modules
  kiln backup create              Snapshot the installed modules
  kiln version                    Show project, module and toolchain versions
  kiln config show                Show the effective configuration`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.initLogger()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	pf.StringVar(&app.flags.configPath, "config", "", "config file (default is ./kiln.cue, then the user config dir)")
	pf.StringVarP(&app.flags.projectDir, "project", "C", ".", "project root directory")
	pf.StringVar(&app.flags.prefix, "prefix", "", "installation prefix (default from install.prefix)")

	rootCmd.AddCommand(
		newBuildCommand(app),
		newCleanCommand(app),
		newTestCommand(app),
		newPackageCommand(app),
		newReportCommand(app),
		newOrderCommand(app),
		newConfigCommand(app),
		newModuleCommand(app),
		newBackupCommand(app),
		newVersionCommand(app),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute builds the command tree and runs it. It is called by main.main().
func Execute() {
	app, err := NewApp(Dependencies{})
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}

	if err := fang.Execute(
		context.Background(),
		newRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
