// SPDX-License-Identifier: MPL-2.0

package buildsys

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilnbuild/kiln/internal/toolchain"
	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

// Unknown stands in for any version that could not be determined.
const Unknown = "unknown"

type (
	// VersionInfo describes the project, its sources and the tools on the host.
	VersionInfo struct {
		Project   string    `json:"project" yaml:"project"`
		Generated time.Time `json:"generated" yaml:"generated"`
		GitCommit string    `json:"git_commit" yaml:"git_commit"`
		GitBranch string    `json:"git_branch" yaml:"git_branch"`
		// Modules maps each enabled module to its descriptor version.
		Modules map[string]string `json:"modules" yaml:"modules"`
		// Toolchain maps qt, cmake and compiler to the host versions.
		Toolchain map[string]string `json:"toolchain" yaml:"toolchain"`
	}

	toolQuery struct {
		key  string
		tool string
		args []string
		// parse extracts the version from stdout.
		parse func(string) string
	}
)

var toolQueries = []toolQuery{
	{key: "qt", tool: "qmake", args: []string{"-query", "QT_VERSION"}, parse: strings.TrimSpace},
	{key: "cmake", tool: "cmake", args: []string{"--version"}, parse: lastField},
	{key: "compiler", tool: "cc", args: []string{"--version"}, parse: firstLine},
}

// VersionInfo collects version details. Tools that are missing or fail
// report Unknown; gathering never fails.
func (s *System) VersionInfo(ctx context.Context) *VersionInfo {
	info := &VersionInfo{
		Project:   s.cfg.Version,
		Generated: s.clock.Now().UTC(),
		GitCommit: s.query(ctx, "git", []string{"rev-parse", "HEAD"}, strings.TrimSpace),
		GitBranch: s.query(ctx, "git", []string{"rev-parse", "--abbrev-ref", "HEAD"}, strings.TrimSpace),
		Modules:   make(map[string]string),
		Toolchain: make(map[string]string),
	}
	for _, q := range toolQueries {
		info.Toolchain[q.key] = s.query(ctx, q.tool, q.args, q.parse)
	}
	for _, m := range s.cfg.EnabledModules() {
		info.Modules[m] = Unknown
		desc, err := kilnmod.Load(filepath.Join(s.ModulesDir(), m))
		if err != nil {
			s.logger.Debug("module version unavailable", "module", m, "err", err)
			continue
		}
		if desc.Version != "" {
			info.Modules[m] = desc.Version.String()
		}
	}
	return info
}

// query runs a tool in the project root and parses its output.
func (s *System) query(ctx context.Context, tool string, args []string, parse func(string) string) string {
	res, err := toolchain.Run(ctx, s.invoker, toolchain.Invocation{Tool: tool, Args: args, Dir: s.root})
	if err != nil {
		s.logger.Debug("version query failed", "tool", tool, "err", err)
		return Unknown
	}
	if v := parse(res.Stdout); v != "" {
		return v
	}
	return Unknown
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

// lastField returns the last word of the first line, e.g. "3.28.1" from
// "cmake version 3.28.1".
func lastField(s string) string {
	f := strings.Fields(firstLine(s))
	if len(f) == 0 {
		return ""
	}
	return f[len(f)-1]
}
