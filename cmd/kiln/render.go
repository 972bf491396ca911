// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/dag"
	"github.com/kilnbuild/kiln/internal/issue"
	"github.com/kilnbuild/kiln/internal/pipeline"
	"github.com/kilnbuild/kiln/internal/registry"
	"github.com/kilnbuild/kiln/internal/toolchain"
	"github.com/kilnbuild/kiln/pkg/kilnmod"

	"github.com/spf13/cobra"
)

// describe attaches operation context, suggestions and a catalog entry to
// err based on the failure it wraps.
func describe(err error, operation, resource string) *issue.ActionableError {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae
	}

	ctx := issue.NewErrorContext().
		WithOperation(operation).
		WithResource(resource).
		Wrap(err)

	var (
		blocked *registry.BlockedByDependentsError
		stage   *pipeline.StageFailure
	)
	switch {
	case errors.As(err, &blocked):
		ctx.WithIssue(issue.BlockedByDependentsId).
			WithSuggestion(fmt.Sprintf("Uninstall %s first", strings.Join(blocked.Dependents, ", "))).
			WithSuggestion("Pass --force to remove it anyway")
	case errors.Is(err, registry.ErrAlreadyInstalled):
		ctx.WithIssue(issue.AlreadyInstalledId).
			WithSuggestion("Pass --force to replace the installed version")
	case errors.Is(err, registry.ErrNotInstalled):
		ctx.WithIssue(issue.NotInstalledId).
			WithSuggestion("Run 'kiln module list' to see installed modules")
	case errors.Is(err, registry.ErrFileConflict):
		ctx.WithIssue(issue.FileConflictId).
			WithSuggestion("Pass --force to take over the files").
			WithSuggestion("Run 'kiln module info <module>' to see which module installed them")
	case errors.Is(err, registry.ErrBackupNotFound):
		ctx.WithIssue(issue.BackupNotFoundId).
			WithSuggestion("Run 'kiln backup list' to see available backups")
	case errors.Is(err, registry.ErrRegistryCorrupt):
		ctx.WithIssue(issue.RegistryCorruptId)
	case errors.Is(err, archive.ErrPackageIntegrity):
		ctx.WithIssue(issue.PackageIntegrityId)
	case errors.Is(err, kilnmod.ErrInvalidDescriptor), errors.Is(err, kilnmod.ErrDescriptorNotFound),
		errors.Is(err, archive.ErrEmptyArchive):
		ctx.WithIssue(issue.InvalidPackageId)
	case errors.Is(err, toolchain.ErrToolNotFound):
		ctx.WithIssue(issue.ToolNotFoundId).
			WithSuggestion("Install the tool or adjust the toolchain section of the configuration")
	case errors.Is(err, dag.ErrUnknownDependency), errors.Is(err, dag.ErrSelfDependency):
		ctx.WithIssue(issue.UnknownDependencyId)
	case errors.Is(err, dag.ErrDependencyCycle):
		ctx.WithIssue(issue.DependencyCycleId)
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, config.ErrRequiredModuleDisabled),
		errors.Is(err, config.ErrInvalidBuildType):
		ctx.WithIssue(issue.InvalidConfigId).
			WithSuggestion("Run 'kiln config show' to inspect the effective configuration")
	case errors.As(err, &stage):
		ctx.WithIssue(issue.StageFailedId).
			WithSuggestion("Rerun with --verbose for the full tool output")
	}
	return ctx.Build()
}

// fail renders err on the app's stderr and returns the exit error for RunE.
// Verbose mode appends the error chain and the issue card.
func (a *App) fail(cmd *cobra.Command, err error, operation, resource string) error {
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	ae := describe(err, operation, resource)
	fmt.Fprintln(a.stderr, errorIcon+" "+ErrorStyle.Render(ae.Format(a.flags.verbose)))

	var stage *pipeline.StageFailure
	if errors.As(err, &stage) && stage.Output != "" {
		fmt.Fprintln(a.stderr)
		fmt.Fprintln(a.stderr, VerboseStyle.Render(stage.Output))
	}

	if a.flags.verbose && ae.Issue != 0 {
		if it := issue.Get(ae.Issue); it != nil {
			if rendered, rerr := it.Render("dark"); rerr == nil {
				fmt.Fprint(a.stderr, rendered)
			}
		}
	}
	return &ExitError{Code: 1}
}
