// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/internal/buildsys"
	"github.com/kilnbuild/kiln/internal/registry"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// errNotConfirmed is returned when a destructive command is declined or
// cannot prompt.
var errNotConfirmed = errors.New("operation not confirmed")

// newModuleCommand creates the `kiln module` command tree.
func newModuleCommand(app *App) *cobra.Command {
	moduleCmd := &cobra.Command{
		Use:   "module",
		Short: "Install, inspect and remove modules",
		Long: `Install, inspect and remove modules under the installation prefix.

Installed modules are tracked in share/kiln/modules/registry.json under the
prefix. Headers go to include/kiln/<module>, libraries to lib, the module
descriptor to share/kiln/modules/<module>.toml and resources to
share/kiln/resources/<module>.

Examples:
  kiln module install build/packages/audio.tar.gz
  kiln module list
  kiln module uninstall audio
  kiln module verify-packages build/packages`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	moduleCmd.AddCommand(
		newModuleInstallCommand(app),
		newModuleListCommand(app),
		newModuleInfoCommand(app),
		newModuleUninstallCommand(app),
		newModuleUninstallAllCommand(app),
		newModuleVerifyCommand(app),
		newModuleVerifyPackagesCommand(app),
		newModuleMetadataCommand(app),
	)
	return moduleCmd
}

func newModuleInstallCommand(app *App) *cobra.Command {
	var force bool
	installCmd := &cobra.Command{
		Use:   "install <package>",
		Short: "Install a module from a package directory or .tar.gz package",
		Long: `Install a module from a package directory or a .tar.gz package.

An installed module is only replaced with --force; replacing it with a
different version is reported as an upgrade or a downgrade, and a change of
major version is flagged. Files recorded for another installed module are
a conflict unless --force is given, in which case the new module takes
them over. Declared dependencies that are not installed are reported as
warnings.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			res, err := app.registry(s).Install(cmd.Context(), args[0], force)
			if err != nil {
				return app.fail(cmd, err, "install module", args[0])
			}

			rec := res.Record
			msg := fmt.Sprintf("Installed %s %s", CmdStyle.Render(rec.Name), rec.Version)
			switch change := res.Change(); change {
			case "upgrade", "downgrade":
				msg += SubtitleStyle.Render(fmt.Sprintf(" (%s from %s)", change, res.Previous.Version))
			case "reinstall":
				msg += SubtitleStyle.Render(" (reinstalled)")
			}
			fmt.Fprintln(app.stdout, successIcon+" "+msg)
			fmt.Fprintln(app.stdout, SubtitleStyle.Render(fmt.Sprintf("  %d files", rec.Files.Count())))
			if len(res.MissingDependencies) > 0 {
				fmt.Fprintf(app.stdout, "%s missing dependencies: %s\n",
					warningIcon, strings.Join(res.MissingDependencies, ", "))
			}
			for _, c := range res.TakenOver {
				fmt.Fprintf(app.stdout, "%s took over %s from %s\n", warningIcon, c.Path, c.Owner)
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(app.stdout, warningIcon+" "+WarningStyle.Render(w))
			}
			return nil
		},
	}
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "replace an installed module and take over conflicting files")
	return installCmd
}

func newModuleListCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			reg := app.registry(s)
			records, err := reg.List()
			if err != nil {
				return app.fail(cmd, err, "list modules", reg.Path())
			}
			if len(records) == 0 {
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("No modules installed under "+reg.Prefix))
				return nil
			}

			tbl := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
				Headers("MODULE", "VERSION", "INSTALLED", "DEPENDENCIES").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return TitleStyle.Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			for _, rec := range records {
				deps := strings.Join(rec.Dependencies, ", ")
				if deps == "" {
					deps = "-"
				}
				tbl.Row(rec.Name, rec.Version.String(), rec.InstalledDate.Format("2006-01-02 15:04"), deps)
			}
			fmt.Fprintln(app.stdout, tbl.String())
			fmt.Fprintln(app.stdout, SubtitleStyle.Render(fmt.Sprintf("%d modules installed under %s", len(records), reg.Prefix)))
			return nil
		},
	}
}

func newModuleInfoCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "info <module>",
		Short: "Show details of an installed module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			reg := app.registry(s)
			rec, err := reg.Get(args[0])
			if err != nil {
				return app.fail(cmd, err, "show module", args[0])
			}
			dependents, err := reg.Dependents(rec.Name)
			if err != nil {
				return app.fail(cmd, err, "show module", args[0])
			}
			printRecord(app.stdout, rec, dependents)
			return nil
		},
	}
}

// printRecord prints the detail view of an installed module.
func printRecord(w io.Writer, rec *registry.Record, dependents []string) {
	field := func(label, value string) {
		fmt.Fprintln(w, "  "+labelStyle.Render(label)+" "+value)
	}
	list := func(items []string) string {
		if len(items) == 0 {
			return SubtitleStyle.Render("none")
		}
		return strings.Join(items, ", ")
	}

	fmt.Fprintln(w, TitleStyle.Render(rec.Name)+" "+SubtitleStyle.Render(rec.Version.String()))
	if rec.Description != "" {
		field("Description", rec.Description)
	}
	field("Installed", rec.InstalledDate.Format("2006-01-02 15:04:05 MST"))
	field("Depends on", list(rec.Dependencies))
	field("Required by", list(dependents))
	if rec.Capabilities.Type != "" {
		field("Type", rec.Capabilities.Type)
		field("Interfaces", list(rec.Capabilities.Interfaces))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Files"))
	groups := []struct {
		name  string
		paths []string
	}{
		{"headers", rec.Files.Headers},
		{"libraries", rec.Files.Libraries},
		{"config", rec.Files.Config},
		{"resources", rec.Files.Resources},
		{"scripts", rec.Files.Scripts},
	}
	for _, g := range groups {
		if len(g.paths) == 0 {
			continue
		}
		fmt.Fprintln(w, "  "+SubtitleStyle.Render(g.name))
		for _, p := range g.paths {
			fmt.Fprintln(w, "    "+bulletIcon+" "+p)
		}
	}
}

func newModuleUninstallCommand(app *App) *cobra.Command {
	var force bool
	uninstallCmd := &cobra.Command{
		Use:   "uninstall <module>",
		Short: "Remove an installed module",
		Long: `Remove an installed module and every file it installed.

A module that other installed modules depend on is only removed with
--force; the dependents stay installed and are reported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			res, err := app.registry(s).Uninstall(cmd.Context(), args[0], force)
			if err != nil {
				return app.fail(cmd, err, "uninstall module", args[0])
			}
			fmt.Fprintf(app.stdout, "%s Uninstalled %s %s %s\n", successIcon,
				CmdStyle.Render(res.Record.Name), res.Record.Version,
				SubtitleStyle.Render(fmt.Sprintf("(%d paths removed)", res.Removed)))
			if len(res.ForcedOver) > 0 {
				fmt.Fprintf(app.stdout, "%s still installed and depending on it: %s\n",
					warningIcon, strings.Join(res.ForcedOver, ", "))
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(app.stdout, warningIcon+" "+WarningStyle.Render(w))
			}
			return nil
		},
	}
	uninstallCmd.Flags().BoolVarP(&force, "force", "f", false, "remove even if other modules depend on it")
	return uninstallCmd
}

func newModuleUninstallAllCommand(app *App) *cobra.Command {
	var yes bool
	uninstallAllCmd := &cobra.Command{
		Use:   "uninstall-all",
		Short: "Remove every installed module",
		Long: `Remove every installed module, dependents before their dependencies.

A failing module does not stop the run; the failures are listed at the end.
Without --yes the command asks for confirmation and refuses when the input
is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			reg := app.registry(s)
			records, err := reg.List()
			if err != nil {
				return app.fail(cmd, err, "list modules", reg.Path())
			}
			if len(records) == 0 {
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("No modules installed under "+reg.Prefix))
				return nil
			}
			if !yes {
				if err := app.confirm(fmt.Sprintf("Remove all %d installed modules from %s?", len(records), reg.Prefix)); err != nil {
					return app.fail(cmd, err, "uninstall all modules", reg.Prefix)
				}
			}

			res, err := reg.UninstallAll(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "uninstall all modules", reg.Prefix)
			}
			for _, item := range res.Results {
				if item.Err != nil {
					fmt.Fprintf(app.stdout, "%s %s: %v\n", errorIcon, item.Item, item.Err)
					continue
				}
				fmt.Fprintf(app.stdout, "%s %s\n", successIcon, item.Item)
			}
			fmt.Fprintln(app.stdout, SubtitleStyle.Render(res.Summary()))
			if err := res.Err(); err != nil {
				return app.fail(cmd, err, "uninstall all modules", reg.Prefix)
			}
			return nil
		},
	}
	uninstallAllCmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return uninstallAllCmd
}

// confirm asks a yes/no question on the app's input. Input that is an
// *os.File but not a terminal is refused so scripts must pass --yes.
func (a *App) confirm(question string) error {
	if f, ok := a.stdin.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return fmt.Errorf("%w: input is not a terminal, pass --yes", errNotConfirmed)
	}
	fmt.Fprint(a.stdout, WarningStyle.Render(question)+" [y/N] ")
	answer, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return errNotConfirmed
	}
}

func newModuleVerifyCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <module>",
		Short: "Check that an uninstalled module left nothing behind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			res, err := app.registry(s).VerifyRemoval(args[0])
			if err != nil {
				return app.fail(cmd, err, "verify removal", args[0])
			}
			if res.Clean() {
				fmt.Fprintf(app.stdout, "%s %s is completely removed\n", successIcon, CmdStyle.Render(res.Module))
				return nil
			}
			if res.InRegistry {
				fmt.Fprintf(app.stdout, "%s %s is still recorded in the registry\n", errorIcon, CmdStyle.Render(res.Module))
			}
			for _, p := range res.Remaining {
				fmt.Fprintf(app.stdout, "%s remaining: %s\n", errorIcon, p)
			}
			cmd.SilenceErrors = true
			cmd.SilenceUsage = true
			return &ExitError{Code: 1}
		},
	}
}

func newModuleVerifyPackagesCommand(app *App) *cobra.Command {
	var reportPath string
	verifyCmd := &cobra.Command{
		Use:   "verify-packages <dir>",
		Short: "Verify every .tar.gz package in a directory",
		Long: `Verify every .tar.gz package under a directory.

Each package must contain kilnmod.toml, include/ and src/. Its digest is
compared with the .sha256 sidecar next to it; a missing sidecar is created.
A failing package does not stop the run. The report is written as
verification_report.json in the directory unless --report is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			v := archive.NewVerifier(app.logger)
			v.Clock = app.Clock
			report, err := v.VerifyDir(dir)
			if err != nil {
				return app.fail(cmd, err, "verify packages", dir)
			}

			for _, p := range report.Packages {
				if p.Valid {
					fmt.Fprintf(app.stdout, "%s %s\n", successIcon, p.Name)
				} else {
					fmt.Fprintf(app.stdout, "%s %s\n", errorIcon, p.Name)
					for _, e := range p.Errors {
						fmt.Fprintln(app.stdout, "    "+ErrorStyle.Render(e))
					}
				}
				for _, w := range p.Warnings {
					fmt.Fprintln(app.stdout, "    "+WarningStyle.Render(w))
				}
			}
			fmt.Fprintln(app.stdout, SubtitleStyle.Render(fmt.Sprintf("%d of %d packages valid (%.1f%%)",
				report.Summary.Valid, report.Summary.Total, report.Summary.SuccessRate)))

			if reportPath == "" {
				reportPath = filepath.Join(dir, buildsys.VerificationReportFileName)
			}
			if err := report.WriteFile(reportPath); err != nil {
				return app.fail(cmd, err, "write verification report", reportPath)
			}
			if err := report.Err(); err != nil {
				return app.fail(cmd, err, "verify packages", dir)
			}
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&reportPath, "report", "", "verification report path")
	return verifyCmd
}

func newModuleMetadataCommand(app *App) *cobra.Command {
	var output string
	metadataCmd := &cobra.Command{
		Use:   "metadata",
		Short: "Print the plugin table of the installed modules",
		Long: `Print the declared capabilities of every installed module with a
content digest for each installed library.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			md, err := app.registry(s).PluginMetadata()
			if err != nil {
				return app.fail(cmd, err, "generate plugin metadata", "")
			}
			return encodeOrFail(cmd, app, output, md)
		},
	}
	metadataCmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return metadataCmd
}
