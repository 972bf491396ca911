// SPDX-License-Identifier: MPL-2.0

// Package toolchain runs the external tools a build delegates to (configure,
// compile, package) and the shell hooks shipped inside module packages.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

var (
	// ErrToolFailed is the sentinel wrapped by ToolError.
	ErrToolFailed = errors.New("tool failed")
	// ErrToolNotFound is returned when the tool binary cannot be located.
	ErrToolNotFound = errors.New("tool not found")
)

type (
	// Invocation describes one external tool run. Env entries ("KEY=value")
	// are added to the inherited process environment for this call only.
	Invocation struct {
		Tool string
		Args []string
		Dir  string
		Env  []string
	}

	// Result captures the outcome of a finished tool run.
	Result struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}

	// ToolError reports a tool that ran but exited non-zero.
	ToolError struct {
		Tool     string
		ExitCode int
		Stderr   string
	}

	// Invoker runs external tools. Implementations return an error only when
	// the tool could not be run at all; a non-zero exit is reported through
	// Result.ExitCode.
	Invoker interface {
		Invoke(ctx context.Context, inv Invocation) (*Result, error)
	}

	// InvokerFunc adapts a function to the Invoker interface.
	InvokerFunc func(ctx context.Context, inv Invocation) (*Result, error)

	// ExecInvoker runs tools as host processes.
	ExecInvoker struct {
		// Stdout and Stderr, when set, receive a live copy of tool output in
		// addition to the captured Result.
		Stdout io.Writer
		Stderr io.Writer
	}
)

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// Unwrap returns ErrToolFailed for errors.Is compatibility.
func (e *ToolError) Unwrap() error { return ErrToolFailed }

// Output returns the captured stderr for stage reports.
func (e *ToolError) Output() string { return e.Stderr }

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Err converts a non-zero exit into a ToolError.
func (r *Result) Err(tool string) error {
	if r == nil || r.ExitCode == 0 {
		return nil
	}
	return &ToolError{Tool: tool, ExitCode: r.ExitCode, Stderr: r.Stderr}
}

// Output returns stdout and stderr joined for reports.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// Run invokes the tool and folds a non-zero exit into the returned error.
func Run(ctx context.Context, inv Invoker, call Invocation) (*Result, error) {
	res, err := inv.Invoke(ctx, call)
	if err != nil {
		return res, err
	}
	return res, res.Err(call.Tool)
}

// Invoke runs the tool with exec.CommandContext, capturing both streams.
func (x *ExecInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	path, err := exec.LookPath(inv.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolNotFound, inv.Tool, err)
	}

	cmd := exec.CommandContext(ctx, path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = tee(&stdout, x.Stdout)
	cmd.Stderr = tee(&stderr, x.Stderr)

	err = cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", inv.Tool, err)
	}
	return result, nil
}

// Expand substitutes {name} placeholders in an argv template.
func Expand(template []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
