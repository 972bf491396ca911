// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func mkModules(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(dir, n, "src"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func write(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// startWatcher runs w until the test ends and returns the Run error channel.
func startWatcher(t *testing.T, w *Watcher) (cancel func(), errCh <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- w.Run(ctx) }()
	t.Cleanup(cancelFn)
	// Let the event loop start before the test writes files.
	time.Sleep(50 * time.Millisecond)
	return cancelFn, ch
}

func TestWatcher_CoalescesByModule(t *testing.T) {
	t.Parallel()

	dir := mkModules(t, "audio", "chat", "core")

	var (
		mu    sync.Mutex
		calls [][]string
	)
	done := make(chan struct{}, 1)
	w, err := New(Config{
		Dir:      dir,
		Debounce: 100 * time.Millisecond,
		OnChange: func(_ context.Context, modules []string) error {
			mu.Lock()
			calls = append(calls, modules)
			mu.Unlock()
			done <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cancel, errCh := startWatcher(t, w)

	write(t, filepath.Join(dir, "chat", "src", "chat.cpp"))
	time.Sleep(10 * time.Millisecond)
	write(t, filepath.Join(dir, "audio", "audio.pri"))
	time.Sleep(10 * time.Millisecond)
	write(t, filepath.Join(dir, "chat", "src", "room.cpp"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	time.Sleep(250 * time.Millisecond)

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([][]string{{"audio", "chat"}}, calls); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

func TestWatcher_IgnoredFiles(t *testing.T) {
	t.Parallel()

	dir := mkModules(t, "ui", "core")
	got := make(chan []string, 4)
	w, err := New(Config{
		Dir:      dir,
		Ignore:   []string{"**/*.log"},
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, modules []string) error {
			got <- modules
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	startWatcher(t, w)

	write(t, filepath.Join(dir, "ui", "build.log"))
	write(t, filepath.Join(dir, "ui", "src", "main.o"))
	time.Sleep(200 * time.Millisecond)
	write(t, filepath.Join(dir, "core", "src", "core.cpp"))

	select {
	case modules := <-got:
		if diff := cmp.Diff([]string{"core"}, modules); diff != "" {
			t.Errorf("modules (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestWatcher_NewDirectories(t *testing.T) {
	t.Parallel()

	dir := mkModules(t)
	got := make(chan []string, 4)
	w, err := New(Config{
		Dir:      dir,
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, modules []string) error {
			got <- modules
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	startWatcher(t, w)

	if err := os.MkdirAll(filepath.Join(dir, "camera"), 0o755); err != nil {
		t.Fatal(err)
	}
	<-got
	// Give the watcher time to register the new directory.
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(dir, "camera", "camera.pri"))

	select {
	case modules := <-got:
		if diff := cmp.Diff([]string{"camera"}, modules); diff != "" {
			t.Errorf("modules (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change in a new module directory was not reported")
	}
}

func TestWatcher_RunTwice(t *testing.T) {
	t.Parallel()

	w, err := New(Config{Dir: mkModules(t, "core")})
	if err != nil {
		t.Fatal(err)
	}
	cancel, errCh := startWatcher(t, w)

	if err := w.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("New() on a missing directory succeeded")
	}
	if _, err := New(Config{Dir: t.TempDir(), Ignore: []string{"[unclosed"}}); err == nil {
		t.Error("New() with an invalid pattern succeeded")
	}
}

func TestModuleOf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := &Watcher{dir: dir, ignores: defaultIgnores}

	tests := []struct {
		path   string
		module string
		ok     bool
	}{
		{filepath.Join(dir, "core", "src", "core.cpp"), "core", true},
		{filepath.Join(dir, "audio"), "audio", true},
		{filepath.Join(dir, "chat", ".git", "index"), "", false},
		{filepath.Join(dir, "chat", "src", "chat.cpp.swp"), "", false},
		{filepath.Join(dir, "ui", "Makefile"), "", false},
		{dir, "", false},
		{filepath.Join(filepath.Dir(dir), "elsewhere.cpp"), "", false},
	}
	for _, tt := range tests {
		module, ok := w.moduleOf(tt.path)
		if module != tt.module || ok != tt.ok {
			t.Errorf("moduleOf(%q) = (%q, %v), want (%q, %v)", tt.path, module, ok, tt.module, tt.ok)
		}
	}
}
