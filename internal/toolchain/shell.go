// SPDX-License-Identifier: MPL-2.0

package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellRunner executes hook scripts with the embedded POSIX shell
// interpreter, so hooks behave the same whether or not the host has sh.
type ShellRunner struct {
	// Stdout and Stderr, when set, receive a live copy of hook output.
	Stdout io.Writer
	Stderr io.Writer
}

// RunScript parses and runs the script at path with dir as the working
// directory. env entries are added to the inherited environment. A non-zero
// exit status is reported through Result.ExitCode.
func (s *ShellRunner) RunScript(ctx context.Context, path, dir string, env []string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hook: %w", err)
	}
	defer f.Close()

	prog, err := syntax.NewParser().Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse hook %s: %w", path, err)
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(append(os.Environ(), env...)...)),
		interp.StdIO(nil, tee(&stdout, s.Stdout), tee(&stderr, s.Stderr)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}

	result := &Result{}
	err = runner.Run(ctx, prog)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if err != nil {
		var exitStatus interp.ExitStatus
		if errors.As(err, &exitStatus) {
			result.ExitCode = int(exitStatus)
			return result, nil
		}
		return result, fmt.Errorf("hook %s: %w", path, err)
	}
	return result, nil
}
