// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"slices"

	"github.com/kilnbuild/kiln/internal/buildsys"
	"github.com/kilnbuild/kiln/internal/toolchain"
	"github.com/kilnbuild/kiln/pkg/kilnmod"

	"github.com/spf13/cobra"
)

// versionReport is the output of `kiln version`.
type versionReport struct {
	Kiln                 string `json:"kiln" yaml:"kiln"`
	buildsys.VersionInfo `yaml:",inline"`
	// Installed maps installed modules to their recorded versions.
	Installed map[string]string `json:"installed" yaml:"installed"`
}

func newVersionCommand(app *App) *cobra.Command {
	var output string
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show project, module and toolchain versions",
		Long: `Show the kiln version, the project version, the git commit and branch of
the project, the descriptor version of every enabled module, the installed
modules and the versions of qmake, cmake and the C compiler on this host.

Anything that cannot be determined is shown as "unknown".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			inv := app.Invoker
			if inv == nil {
				// Version queries must not echo tool output.
				inv = &toolchain.ExecInvoker{}
			}
			sys := buildsys.New(s.root, s.cfg, buildsys.Options{Invoker: inv, Logger: app.logger, Clock: app.Clock})

			report := versionReport{
				Kiln:        getVersionString(),
				VersionInfo: *sys.VersionInfo(cmd.Context()),
				Installed:   make(map[string]string),
			}
			records, err := app.registry(s).List()
			if err != nil {
				app.logger.Warn("installed modules unavailable", "err", err)
			}
			for _, rec := range records {
				report.Installed[rec.Name] = rec.Version.String()
			}

			if output != "text" {
				return encodeOrFail(cmd, app, output, report)
			}
			printVersionReport(app.stdout, &report)
			return nil
		},
	}
	versionCmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	versionCmd.AddCommand(newVersionCheckCommand(app))
	return versionCmd
}

func printVersionReport(w io.Writer, r *versionReport) {
	field := func(label, value string) {
		fmt.Fprintln(w, "  "+labelStyle.Render(label)+" "+value)
	}
	section := func(title string, m map[string]string) {
		fmt.Fprintln(w)
		fmt.Fprintln(w, TitleStyle.Render(title))
		if len(m) == 0 {
			fmt.Fprintln(w, "  "+SubtitleStyle.Render("none"))
			return
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			field(k, m[k])
		}
	}

	fmt.Fprintln(w, TitleStyle.Render("Versions"))
	field("kiln", r.Kiln)
	field("project", r.Project)
	field("git", r.GitBranch+" @ "+r.GitCommit)
	section("Modules", r.Modules)
	section("Installed", r.Installed)
	section("Toolchain", r.Toolchain)
}

func newVersionCheckCommand(app *App) *cobra.Command {
	var (
		current      string
		module       string
		minSupported string
		output       string
	)
	checkCmd := &cobra.Command{
		Use:   "check <target>",
		Short: "Check whether moving to a version is compatible",
		Long: `Check whether moving to the target version is compatible.

The current version is --current, else the installed version of --module,
else the project version. A major upgrade needs a migration; a major
downgrade, or a target older than --min-supported, is incompatible and
exits with status 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			from := kilnmod.Version(current)
			switch {
			case from != "":
			case module != "":
				rec, err := app.registry(s).Get(module)
				if err != nil {
					return app.fail(cmd, err, "check compatibility", module)
				}
				from = rec.Version
			default:
				from = kilnmod.Version(s.cfg.Version)
			}

			compat, err := kilnmod.CheckCompatibility(from, kilnmod.Version(args[0]), kilnmod.Version(minSupported))
			if err != nil {
				return app.fail(cmd, err, "check compatibility", args[0])
			}
			if output != "text" {
				if err := encodeOrFail(cmd, app, output, compat); err != nil {
					return err
				}
			} else {
				printCompatibility(app.stdout, compat)
			}
			if !compat.Compatible {
				cmd.SilenceErrors = true
				cmd.SilenceUsage = true
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	f := checkCmd.Flags()
	f.StringVar(&current, "current", "", "version to move from")
	f.StringVarP(&module, "module", "m", "", "use the installed version of this module as the current version")
	f.StringVar(&minSupported, "min-supported", "", "oldest version that may be targeted")
	f.StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	return checkCmd
}

func printCompatibility(w io.Writer, c *kilnmod.Compatibility) {
	move := fmt.Sprintf("%s -> %s", c.Current, c.Target)
	switch {
	case !c.Compatible:
		fmt.Fprintf(w, "%s %s is not compatible\n", errorIcon, move)
	case c.MigrationRequired:
		fmt.Fprintf(w, "%s %s is compatible after migration\n", warningIcon, move)
	default:
		fmt.Fprintf(w, "%s %s is compatible\n", successIcon, move)
	}
	for _, e := range c.Errors {
		fmt.Fprintln(w, "    "+ErrorStyle.Render(e))
	}
	for _, warn := range c.Warnings {
		fmt.Fprintln(w, "    "+WarningStyle.Render(warn))
	}
}
