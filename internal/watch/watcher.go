// SPDX-License-Identifier: MPL-2.0

// Package watch rebuilds modules when their sources change.
//
// A Watcher monitors the modules directory of a project. Events are mapped to
// the module they belong to (the first path element under the directory) and
// coalesced over a debounce window, so one save that touches several files
// triggers a single callback with the set of affected modules.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period used when Config.Debounce is not set.
const DefaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watcher already running")

// defaultIgnores are never reported: VCS metadata, editor swap files and
// build output that tools may write next to the sources.
var defaultIgnores = []string{
	"**/.git/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
	"**/*.o",
	"**/Makefile",
	"**/.qmake.stash",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Dir is the modules directory. Each direct subdirectory is a module.
		Dir string
		// Ignore adds doublestar patterns, relative to Dir, to the defaults.
		Ignore []string
		// Debounce is the quiet period after the last event.
		Debounce time.Duration
		// OnChange receives the sorted names of the modules that changed.
		// Calls never overlap; changes arriving during a call are delivered
		// once it returns.
		OnChange func(ctx context.Context, modules []string) error
		Logger   *log.Logger
	}

	// Watcher monitors a modules directory.
	Watcher struct {
		dir      string
		ignores  []string
		debounce time.Duration
		onChange func(ctx context.Context, modules []string) error
		logger   *log.Logger
		fsw      *fsnotify.Watcher
		started  atomic.Bool
	}
)

// New validates cfg and registers every directory under cfg.Dir.
func New(cfg Config) (*Watcher, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve modules directory: %w", err)
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("cannot watch modules directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("cannot watch %s: not a directory", dir)
	}
	for _, p := range cfg.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}

	w := &Watcher{
		dir:      dir,
		ignores:  append(slices.Clone(defaultIgnores), cfg.Ignore...),
		debounce: cfg.Debounce,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = log.New(io.Discard)
	}

	w.fsw, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.addTree(dir); err != nil {
		w.fsw.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return w, nil
}

// Run blocks until ctx is cancelled. It returns nil on cancellation and an
// error when the underlying watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("failed to close watcher", "err", err)
		}
	}()

	var (
		mu      sync.Mutex
		pending = map[string]struct{}{}
		timer   *time.Timer
		busy    atomic.Bool
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !busy.CompareAndSwap(false, true) {
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer busy.Store(false)

		mu.Lock()
		modules := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(modules) == 0 || w.onChange == nil {
			return
		}
		w.logger.Info("sources changed", "modules", modules)
		if err := w.onChange(ctx, modules); err != nil {
			w.logger.Error("rebuild failed", "err", err)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			module, ok := w.moduleOf(evt.Name)
			if !ok {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			mu.Lock()
			pending[module] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			if isFatal(err) {
				return fmt.Errorf("watcher failed: %w", err)
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

// moduleOf maps an event path to its module. Paths outside the directory,
// the directory itself and ignored paths have no module.
func (w *Watcher) moduleOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.ignored(rel) {
		return "", false
	}
	module, _, _ := strings.Cut(rel, "/")
	return module, true
}

func (w *Watcher) ignored(rel string) bool {
	for _, p := range w.ignores {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// addTree registers root and every non-ignored directory below it.
// Unreadable directories are skipped with a warning.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("skipping unreadable path", "path", path, "err", err)
			return nil //nolint:nilerr // unreadable directories are not watched
		}
		if !d.IsDir() {
			return nil
		}
		if rel, rerr := filepath.Rel(w.dir, path); rerr == nil && rel != "." {
			if w.ignored(filepath.ToSlash(rel)) || w.ignored(filepath.ToSlash(rel)+"/") {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// maybeAddDir extends the watch to a directory created after startup.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("cannot watch new directory", "path", path, "err", err)
	}
}
