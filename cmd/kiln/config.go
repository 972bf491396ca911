// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/issue"

	"github.com/spf13/cobra"
)

// newConfigCommand creates the `kiln config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage kiln configuration",
		Long: `Manage kiln configuration.

The configuration is read from the first file found:
  - the --config flag
  - kiln.cue, kiln.json, kiln.yaml or kiln.toml in the project root
  - config.* in the user config directory

The file is merged over the built-in defaults. A file that cannot be parsed
is reported as a warning and the defaults are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd, app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			if s.path == "" {
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("(built-in defaults)"))
				return nil
			}
			fmt.Fprintln(app.stdout, s.path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration as kiln.cue in the project root",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			path, err := config.WriteDefault(s.root)
			if err != nil {
				return app.fail(cmd, err, "write configuration", s.root)
			}
			fmt.Fprintln(app.stdout, successIcon+" "+CmdStyle.Render(path))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(s.cfg))
			return nil
		},
	})

	return cfgCmd
}

// showConfig prints the effective configuration followed by its validation
// result.
func showConfig(cmd *cobra.Command, app *App) error {
	s, err := app.load(cmd.Context())
	if err != nil {
		rendered, _ := issue.Get(issue.ConfigLoadFailedId).Render("dark")
		fmt.Fprint(app.stderr, rendered)
		return app.fail(cmd, err, "load configuration", app.flags.configPath)
	}
	cfg := s.cfg

	source := s.path
	if source == "" {
		source = "(built-in defaults)"
	}

	w := app.stdout
	fmt.Fprintln(w, TitleStyle.Render("Configuration"))
	field := func(label, value string) {
		fmt.Fprintln(w, "  "+labelStyle.Render(label)+" "+value)
	}
	field("Source", source)
	field("Version", cfg.Version)
	field("Build type", cfg.BuildType.String())
	field("Parallel jobs", fmt.Sprint(cfg.ParallelJobs))
	field("Optimized", fmt.Sprint(cfg.EnableOptimizations))
	field("Testing", fmt.Sprint(cfg.EnableTesting))
	field("Packaging", fmt.Sprint(cfg.EnablePackaging))
	field("Prefix", app.prefix(s))

	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Modules"))
	for _, m := range cfg.ModuleNames() {
		spec := cfg.Modules[m]
		icon := successIcon
		if !spec.Enabled {
			icon = bulletIcon
		}
		line := fmt.Sprintf("  %s %s", icon, CmdStyle.Render(m))
		if spec.Required {
			line += SubtitleStyle.Render(" (required)")
		}
		if deps := cfg.Dependencies[m]; len(deps) > 0 {
			line += VerboseStyle.Render(" <- " + strings.Join(deps, ", "))
		}
		fmt.Fprintln(w, line)
	}

	for _, warning := range cfg.Warnings() {
		fmt.Fprintln(w, warningIcon+" "+WarningStyle.Render(warning))
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(w)
		return app.fail(cmd, err, "validate configuration", source)
	}
	return nil
}

