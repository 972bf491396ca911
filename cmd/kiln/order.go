// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kilnbuild/kiln/internal/dag"

	"github.com/spf13/cobra"
)

func newOrderCommand(app *App) *cobra.Command {
	var (
		output string
		strict bool
	)
	orderCmd := &cobra.Command{
		Use:   "order",
		Short: "Show the module build order",
		Long: `Show the order in which enabled modules are built.

Dependencies are always placed first. Among modules that are ready at the
same time, module_build_order decides. A dependency cycle does not stop the
build: the cycle is broken, the forced picks are reported as warnings and
the build continues.

With --strict every configured module is ordered and a cycle is an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}

			if strict {
				order, err := dag.FromDependencies(s.cfg.ModuleNames(), s.cfg.Dependencies).TopologicalSort()
				if err != nil {
					return app.fail(cmd, err, "order modules", "")
				}
				if output != "text" {
					return encodeOrFail(cmd, app, output, map[string][]string{"order": order})
				}
				for i, m := range order {
					fmt.Fprintf(app.stdout, "%3d. %s\n", i+1, CmdStyle.Render(m))
				}
				return nil
			}

			sched, err := app.buildSystem(s).Schedule()
			if err != nil {
				return app.fail(cmd, err, "order modules", "")
			}
			if output != "text" {
				return encodeOrFail(cmd, app, output, sched)
			}
			printSchedule(app.stdout, sched, s.cfg.Dependencies)
			return nil
		},
	}
	orderCmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json|yaml)")
	orderCmd.Flags().BoolVar(&strict, "strict", false, "order every configured module and fail on cycles")
	return orderCmd
}

func encodeOrFail(cmd *cobra.Command, app *App, format string, v any) error {
	if err := encode(app.stdout, format, v); err != nil {
		return app.fail(cmd, err, "write output", "")
	}
	return nil
}

// printSchedule lists the order with each module's dependencies and the
// diagnostics of the schedule.
func printSchedule(w io.Writer, sched *dag.Schedule, deps map[string][]string) {
	fmt.Fprintln(w, TitleStyle.Render("Build order"))
	for i, m := range sched.Order {
		line := fmt.Sprintf("%3d. %s", i+1, CmdStyle.Render(m))
		if d := deps[m]; len(d) > 0 {
			line += SubtitleStyle.Render(" <- " + strings.Join(d, ", "))
		}
		fmt.Fprintln(w, line)
	}

	if len(sched.Forced) == 0 && len(sched.Violations) == 0 && len(sched.Unresolved) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, f := range sched.Forced {
		fmt.Fprintf(w, "%s %s placed inside a dependency cycle (unmet: %s)\n",
			warningIcon, f.Module, strings.Join(f.Unmet, ", "))
	}
	for _, v := range sched.Violations {
		fmt.Fprintf(w, "%s %s\n", warningIcon, v.String())
	}
	modules := make([]string, 0, len(sched.Unresolved))
	for m := range sched.Unresolved {
		modules = append(modules, m)
	}
	slices.Sort(modules)
	for _, m := range modules {
		fmt.Fprintf(w, "%s %s depends on %s, which is disabled and not installed\n",
			warningIcon, m, strings.Join(sched.Unresolved[m], ", "))
	}
}
