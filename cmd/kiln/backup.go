// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kilnbuild/kiln/internal/registry"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// newBackupCommand creates the `kiln backup` command tree.
func newBackupCommand(app *App) *cobra.Command {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot and restore the installed modules",
		Long: `Snapshot and restore the installed modules.

A backup holds the registry and a copy of every installed file. Backups are
kept in share/kiln/backups under the prefix.

Examples:
  kiln backup create before-upgrade
  kiln backup list
  kiln backup restore before-upgrade
  kiln backup delete before-upgrade`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	backupCmd.AddCommand(
		newBackupCreateCommand(app),
		newBackupListCommand(app),
		newBackupRestoreCommand(app),
		newBackupDeleteCommand(app),
	)
	return backupCmd
}

func newBackupCreateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Snapshot the installed modules",
		Long: `Snapshot the registry and every installed file. Without a name the
backup is called backup_<YYYYMMDD_HHMMSS>.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			info, err := app.registry(s).Backup(name)
			if err != nil {
				return app.fail(cmd, err, "create backup", name)
			}
			fmt.Fprintf(app.stdout, "%s Created backup %s %s\n", successIcon, CmdStyle.Render(info.Name),
				SubtitleStyle.Render(fmt.Sprintf("(%d modules, %d files, %s)", len(info.Modules), info.Files, humanize.Bytes(uint64(info.Size)))))
			for _, p := range info.Missing {
				fmt.Fprintf(app.stdout, "%s missing from the installation: %s\n", warningIcon, p)
			}
			return nil
		},
	}
}

func newBackupListCommand(app *App) *cobra.Command {
	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			reg := app.registry(s)
			backups, err := reg.Backups()
			if err != nil {
				return app.fail(cmd, err, "list backups", reg.Prefix)
			}
			if output != "text" {
				if backups == nil {
					backups = []*registry.BackupInfo{}
				}
				return encodeOrFail(cmd, app, output, backups)
			}
			if len(backups) == 0 {
				fmt.Fprintln(app.stdout, SubtitleStyle.Render("No backups under "+reg.Prefix))
				return nil
			}

			tbl := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(ColorMuted)).
				Headers("BACKUP", "CREATED", "MODULES", "SIZE").
				StyleFunc(func(row, col int) lipgloss.Style {
					if row == table.HeaderRow {
						return TitleStyle.Padding(0, 1)
					}
					return lipgloss.NewStyle().Padding(0, 1)
				})
			for _, b := range backups {
				tbl.Row(b.Name, b.Created.Format("2006-01-02 15:04:05"), moduleSummary(b), humanize.Bytes(uint64(b.Size)))
			}
			fmt.Fprintln(app.stdout, tbl.String())
			return nil
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	return listCmd
}

// moduleSummary renders "name@version" for every module in a backup.
func moduleSummary(b *registry.BackupInfo) string {
	if len(b.Modules) == 0 {
		return "-"
	}
	out := make([]string, 0, len(b.Modules))
	for name, v := range b.Modules {
		out = append(out, name+"@"+v.String())
	}
	slices.Sort(out)
	return strings.Join(out, ", ")
}

func newBackupRestoreCommand(app *App) *cobra.Command {
	var yes bool
	restoreCmd := &cobra.Command{
		Use:   "restore <name>",
		Short: "Replace the installed modules with a backup",
		Long: `Replace the installed modules with the contents of a backup.

The current state is saved as a pre_restore_<timestamp> backup first.
Installed files the backup does not contain are removed. Without --yes the
command asks for confirmation and refuses when the input is not a terminal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			reg := app.registry(s)
			info, err := reg.GetBackup(args[0])
			if err != nil {
				return app.fail(cmd, err, "restore backup", args[0])
			}
			if !yes {
				question := fmt.Sprintf("Replace the modules under %s with backup %s (%s)?", reg.Prefix, info.Name, moduleSummary(info))
				if err := app.confirm(question); err != nil {
					return app.fail(cmd, err, "restore backup", args[0])
				}
			}

			res, err := reg.Restore(args[0])
			if err != nil {
				return app.fail(cmd, err, "restore backup", args[0])
			}
			fmt.Fprintf(app.stdout, "%s Restored %s %s\n", successIcon, CmdStyle.Render(res.Backup.Name),
				SubtitleStyle.Render(fmt.Sprintf("(%d files restored, %d removed)", res.Restored, res.Removed)))
			fmt.Fprintln(app.stdout, SubtitleStyle.Render("  previous state saved as "+res.Safety.Name))
			return nil
		},
	}
	restoreCmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return restoreCmd
}

func newBackupDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			if err := app.registry(s).DeleteBackup(args[0]); err != nil {
				return app.fail(cmd, err, "delete backup", args[0])
			}
			fmt.Fprintf(app.stdout, "%s Deleted backup %s\n", successIcon, CmdStyle.Render(args[0]))
			return nil
		},
	}
}
