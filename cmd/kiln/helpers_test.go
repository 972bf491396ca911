// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/testutil"
	"github.com/kilnbuild/kiln/internal/toolchain"
)

// standardConfig builds the whole project in one configure/build step and
// skips tests and packaging, so no module sources are needed.
const standardConfig = `{
  "enable_optimizations": false,
  "enable_testing": false,
  "enable_packaging": false,
  "parallel_jobs": 2
}`

type recordingInvoker struct {
	mu     sync.Mutex
	calls  []toolchain.Invocation
	handle func(inv toolchain.Invocation) *toolchain.Result
}

func (r *recordingInvoker) Invoke(_ context.Context, inv toolchain.Invocation) (*toolchain.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, inv)
	r.mu.Unlock()
	if r.handle != nil {
		return r.handle(inv), nil
	}
	return &toolchain.Result{}, nil
}

type testEnv struct {
	t       *testing.T
	root    string
	prefix  string
	config  string
	invoker *recordingInvoker
	stdin   io.Reader
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
}

func newTestEnv(t *testing.T, configJSON string) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfgPath := filepath.Join(root, "kiln.json")
	testutil.MustWriteFile(t, cfgPath, configJSON)
	return &testEnv{
		t:       t,
		root:    root,
		prefix:  filepath.Join(t.TempDir(), "usr", "local"),
		config:  cfgPath,
		invoker: &recordingInvoker{},
		stdin:   strings.NewReader(""),
		stdout:  &bytes.Buffer{},
		stderr:  &bytes.Buffer{},
	}
}

// run executes the command tree with args and the environment's project,
// config and prefix.
func (e *testEnv) run(args ...string) error {
	e.t.Helper()
	e.stdout.Reset()
	e.stderr.Reset()

	app, err := NewApp(Dependencies{
		Invoker: e.invoker,
		Clock:   clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Stdin:   e.stdin,
		Stdout:  e.stdout,
		Stderr:  e.stderr,
	})
	if err != nil {
		e.t.Fatal(err)
	}
	root := newRootCommand(app)
	root.SetArgs(append([]string{"--project", e.root, "--config", e.config, "--prefix", e.prefix}, args...))
	root.SetOut(e.stdout)
	root.SetErr(e.stderr)
	return root.ExecuteContext(context.Background())
}

// mustRun fails the test when the command fails.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	if err := e.run(args...); err != nil {
		e.t.Fatalf("kiln %s: %v\nstderr:\n%s", strings.Join(args, " "), err, e.stderr.String())
	}
	return e.stdout.String()
}

// mustFail fails the test unless the command exits with code 1.
func (e *testEnv) mustFail(args ...string) string {
	e.t.Helper()
	err := e.run(args...)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		e.t.Fatalf("kiln %s: error = %v, want exit code 1\nstdout:\n%s", strings.Join(args, " "), err, e.stdout.String())
	}
	return e.stderr.String()
}
