// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type Id int

const (
	ConfigLoadFailedId Id = iota + 1
	InvalidConfigId
	UnknownDependencyId
	DependencyCycleId
	StageFailedId
	ToolNotFoundId
	AlreadyInstalledId
	NotInstalledId
	BlockedByDependentsId
	RegistryCorruptId
	PackageIntegrityId
	InvalidPackageId
	FileConflictId
	BackupNotFoundId
)

type MarkdownMsg string

type HttpLink string

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

func (i *Issue) Render(stylePath string) (string, error) {
	extraMd := ""
	if len(i.docLinks) > 0 {
		extraMd += "\n\n## See also\n"
		for _, link := range i.docLinks {
			extraMd += "- [" + string(link) + "](" + string(link) + ")\n"
		}
	}
	return render(string(i.mdMsg)+extraMd, stylePath)
}

var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

kiln fell back to its built-in defaults.

## Things you can try
- Check the file syntax (CUE, JSON, YAML or TOML, chosen by extension)
- Print the effective configuration:
~~~
$ kiln config show
~~~
- Write a fresh default file and edit it:
~~~
$ kiln config init
~~~`,
	}

	invalidConfigIssue = &Issue{
		id: InvalidConfigId,
		mdMsg: `
# Invalid build configuration

The configuration parsed, but some values are not acceptable.

## Common causes
- A module marked ` + "`required`" + ` is disabled
- ` + "`build_type`" + ` is neither "release" nor "debug"
- ` + "`parallel_jobs`" + ` is lower than 1`,
	}

	unknownDependencyIssue = &Issue{
		id: UnknownDependencyId,
		mdMsg: `
# Unknown module dependency

A module depends on a module that is not declared under ` + "`modules`" + `.
Nothing was built.

## Things you can try
- Declare the missing module in the configuration
- Remove the dependency from ` + "`dependencies`" + `
- Inspect the computed order:
~~~
$ kiln order
~~~`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Dependency cycle detected

Some modules depend on each other. kiln broke the cycle by building one of
them before its dependencies; the report lists every violated pair.

## Things you can try
- Remove one edge of the cycle from ` + "`dependencies`" + `
- Run ` + "`kiln order`" + ` to see the forced picks`,
	}

	stageFailedIssue = &Issue{
		id: StageFailedId,
		mdMsg: `
# A pipeline stage failed

A required stage failed, so the remaining stages were skipped.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to see the captured tool output
- Run a single step, for example ` + "`kiln test`" + ` or ` + "`kiln package`" + `
- Remove stale outputs with ` + "`kiln clean`",
	}

	toolNotFoundIssue = &Issue{
		id: ToolNotFoundId,
		mdMsg: `
# Build tool not found

An external tool configured under ` + "`toolchain`" + ` could not be started.

## Things you can try
- Install the tool and make sure it is on ` + "`PATH`" + `
- Point the ` + "`toolchain`" + ` command templates at the right binary`,
	}

	alreadyInstalledIssue = &Issue{
		id: AlreadyInstalledId,
		mdMsg: `
# Module already installed

## Things you can try
- Reinstall over the existing copy:
~~~
$ kiln module install <package> --force
~~~
- Inspect the installed version with ` + "`kiln module info <name>`",
	}

	notInstalledIssue = &Issue{
		id: NotInstalledId,
		mdMsg: `
# Module not installed

The registry has no record of this module.

## Things you can try
- List installed modules with ` + "`kiln module list`",
	}

	blockedByDependentsIssue = &Issue{
		id: BlockedByDependentsId,
		mdMsg: `
# Other modules depend on this one

Nothing was removed.

## Things you can try
- Uninstall the dependents first
- Remove it anyway (dependents may stop working):
~~~
$ kiln module uninstall <name> --force
~~~`,
	}

	registryCorruptIssue = &Issue{
		id: RegistryCorruptId,
		mdMsg: `
# Installation registry is corrupt

The registry document could not be parsed, so kiln refused to modify it.

## Things you can try
- Restore ` + "`share/kiln/modules/registry.json`" + ` from a backup
- Inspect the file by hand; kiln never rewrites a registry it cannot read`,
	}

	packageIntegrityIssue = &Issue{
		id: PackageIntegrityId,
		mdMsg: `
# Package integrity check failed

The package content does not match the digest recorded in its ` + "`.sha256`" + `
sidecar, or the package is missing required structure.

## Things you can try
- Rebuild the package with ` + "`kiln package`" + `
- If the change is intentional, delete the sidecar and verify again`,
	}

	invalidPackageIssue = &Issue{
		id: InvalidPackageId,
		mdMsg: `
# Invalid module package

A package must contain ` + "`kilnmod.toml`" + `, an ` + "`include/`" + ` directory
and a ` + "`src/`" + ` directory.`,
	}

	fileConflictIssue = &Issue{
		id: FileConflictId,
		mdMsg: `
# Files owned by another module

The package would overwrite files that the registry records for a different
installed module. Nothing was installed.

## Things you can try
- Rename the conflicting library in one of the packages
- Take the files over (the other module stops owning them):
~~~
$ kiln module install <package> --force
~~~`,
	}

	backupNotFoundIssue = &Issue{
		id: BackupNotFoundId,
		mdMsg: `
# Backup not found

## Things you can try
- List the available backups:
~~~
$ kiln backup list
~~~
- Create one before upgrading with ` + "`kiln backup create`",
	}

	issues = map[Id]*Issue{
		configLoadFailedIssue.Id():    configLoadFailedIssue,
		invalidConfigIssue.Id():       invalidConfigIssue,
		unknownDependencyIssue.Id():   unknownDependencyIssue,
		dependencyCycleIssue.Id():     dependencyCycleIssue,
		stageFailedIssue.Id():         stageFailedIssue,
		toolNotFoundIssue.Id():        toolNotFoundIssue,
		alreadyInstalledIssue.Id():    alreadyInstalledIssue,
		notInstalledIssue.Id():        notInstalledIssue,
		blockedByDependentsIssue.Id(): blockedByDependentsIssue,
		registryCorruptIssue.Id():     registryCorruptIssue,
		packageIntegrityIssue.Id():    packageIntegrityIssue,
		invalidPackageIssue.Id():      invalidPackageIssue,
		fileConflictIssue.Id():        fileConflictIssue,
		backupNotFoundIssue.Id():      backupNotFoundIssue,
	}
)

func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for id := ConfigLoadFailedId; id <= BackupNotFoundId; id++ {
		out = append(out, issues[id])
	}
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
