// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kilnbuild/kiln/internal/buildsys"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/watch"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newBuildCommand(app *App) *cobra.Command {
	var watchSources bool
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Run the full build pipeline",
		Long: `Run every pipeline stage in order: setup, configure, build, test,
package, verify and distribution. The first failing stage stops the run and
the remaining stages are reported as skipped.

The pipeline report is saved as build/pipeline_report.json on every run and
the build report as build/build_report.json after a passing run.

With --watch the pipeline runs again whenever a file under the modules
directory changes, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			sys := app.buildSystem(s)
			report, err := sys.FullBuild(cmd.Context())
			printPipelineReport(app.stdout, report)
			if !watchSources {
				if err != nil {
					return app.fail(cmd, err, "build project", s.root)
				}
				return nil
			}
			if err != nil {
				fmt.Fprintln(app.stderr, errorIcon+" "+ErrorStyle.Render(describe(err, "build project", s.root).Format(app.flags.verbose)))
			}
			return app.watch(cmd, sys)
		},
	}
	buildCmd.Flags().BoolVarP(&watchSources, "watch", "w", false, "rebuild when module sources change")
	return buildCmd
}

// watch reruns the pipeline on every source change until the command's
// context is cancelled.
func (a *App) watch(cmd *cobra.Command, sys *buildsys.System) error {
	w, err := watch.New(watch.Config{
		Dir:    sys.ModulesDir(),
		Logger: a.logger,
		OnChange: func(ctx context.Context, modules []string) error {
			fmt.Fprintln(a.stdout, SubtitleStyle.Render("changed: "+strings.Join(modules, ", ")))
			report, err := sys.FullBuild(ctx)
			printPipelineReport(a.stdout, report)
			return err
		},
	})
	if err != nil {
		return a.fail(cmd, err, "watch module sources", sys.ModulesDir())
	}
	fmt.Fprintln(a.stdout, SubtitleStyle.Render("watching "+sys.ModulesDir()+" (Ctrl+C to stop)"))
	if err := w.Run(cmd.Context()); err != nil {
		return a.fail(cmd, err, "watch module sources", sys.ModulesDir())
	}
	return nil
}

func newCleanCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the build directory and the module build cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			if err := app.buildSystem(s).Clean(); err != nil {
				return app.fail(cmd, err, "clean build outputs", s.root)
			}
			fmt.Fprintln(app.stdout, successIcon+" Build outputs removed")
			return nil
		},
	}
}

func newTestCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run the test executables found in the build directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, app, "run tests", buildsys.StageTest)
		},
	}
}

func newPackageCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "package",
		Short: "Create and verify module packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd, app, "package modules", buildsys.StagePackage, buildsys.StageVerify)
		},
	}
}

// runStages runs a subset of the pipeline and prints its report.
func runStages(cmd *cobra.Command, app *App, operation string, names ...string) error {
	s, err := app.load(cmd.Context())
	if err != nil {
		return app.fail(cmd, err, "load configuration", app.flags.configPath)
	}
	report, err := app.buildSystem(s).RunStages(cmd.Context(), names...)
	printPipelineReport(app.stdout, report)
	if err != nil {
		return app.fail(cmd, err, operation, s.root)
	}
	return nil
}

func newReportCommand(app *App) *cobra.Command {
	var output string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the build report for the current configuration",
		Long: `Print the build report: build information, module policy, build order
and the artifacts currently present in the build directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := app.load(cmd.Context())
			if err != nil {
				return app.fail(cmd, err, "load configuration", app.flags.configPath)
			}
			br, err := app.buildSystem(s).GenerateReport()
			if err != nil {
				return app.fail(cmd, err, "generate build report", s.root)
			}
			if err := encode(app.stdout, output, br); err != nil {
				return app.fail(cmd, err, "write build report", "")
			}
			return nil
		},
	}
	reportCmd.Flags().StringVarP(&output, "output", "o", "json", "output format (json|yaml)")
	return reportCmd
}

// encode writes v to w as indented JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (use json or yaml)", format)
	}
}

// printPipelineReport prints one line per stage followed by the outcome.
func printPipelineReport(w io.Writer, report *pipeline.Report) {
	if report == nil || len(report.Stages) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Pipeline summary"))
	for _, st := range report.Stages {
		icon := successIcon
		switch st.Outcome {
		case pipeline.OutcomeFail:
			icon = errorIcon
		case pipeline.OutcomeSkipped:
			icon = bulletIcon
		}
		line := fmt.Sprintf("  %s %-22s", icon, st.Name)
		if st.Outcome == pipeline.OutcomeSkipped {
			line += SubtitleStyle.Render("skipped")
		} else {
			line += VerboseStyle.Render(fmt.Sprintf("%.2fs", (time.Duration(st.DurationMs) * time.Millisecond).Seconds()))
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintln(w)
	if report.Outcome == pipeline.OutcomePass {
		fmt.Fprintf(w, "%s %s in %s\n", successIcon, SuccessStyle.Render("Pipeline passed"), report.Duration().Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "%s %s\n", errorIcon, ErrorStyle.Render("Pipeline failed"))
	}
}
