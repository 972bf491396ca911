// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Tool environment variables passed to every external tool invocation.
const (
	EnvDisableModules = "KILN_DISABLE_MODULES"
	EnvBuildType      = "KILN_BUILD_TYPE"
	EnvJobs           = "KILN_JOBS"
	// EnvQtConfig carries the build type in the form qmake expects.
	EnvQtConfig = "CONFIG"
)

// ExecutionContext carries everything a stage needs. Flags for downstream
// tools live here instead of in the process environment, so two runs in one
// process never observe each other's settings.
type ExecutionContext struct {
	ProjectRoot     string
	BuildDir        string
	DistDir         string
	BuildType       string
	DisabledModules []string
	ParallelJobs    int
	// Env holds extra variables added to every tool invocation.
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// ToolEnv returns the KEY=VALUE list appended to the environment of each
// tool invocation. The result is sorted by key.
func (ec *ExecutionContext) ToolEnv() []string {
	vars := make(map[string]string, len(ec.Env)+4)
	maps.Copy(vars, ec.Env)
	if len(ec.DisabledModules) > 0 {
		vars[EnvDisableModules] = strings.Join(ec.DisabledModules, ",")
	}
	if ec.BuildType != "" {
		vars[EnvBuildType] = ec.BuildType
		vars[EnvQtConfig] = ec.BuildType
	}
	if ec.ParallelJobs > 0 {
		vars[EnvJobs] = strconv.Itoa(ec.ParallelJobs)
	}

	env := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func (ec *ExecutionContext) stdout() io.Writer {
	if ec == nil || ec.Stdout == nil {
		return io.Discard
	}
	return ec.Stdout
}
