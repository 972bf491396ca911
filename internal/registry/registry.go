// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/toolchain"

	"github.com/charmbracelet/log"
)

const (
	// FileName is the registry document name inside the modules directory.
	FileName     = "registry.json"
	lockFileName = ".registry.lock"

	// PostInstallHook and PreUninstallHook are the hook paths inside a package.
	PostInstallHook  = "scripts/post_install.sh"
	PreUninstallHook = "scripts/pre_uninstall.sh"
)

type (
	// HookRunner runs package hook scripts.
	HookRunner interface {
		RunScript(ctx context.Context, path, dir string, env []string) (*toolchain.Result, error)
	}

	// Registry manages installations under Prefix.
	Registry struct {
		Prefix string
		Logger *log.Logger
		Clock  clock.Clock
		Hooks  HookRunner
	}
)

// New returns a Registry for prefix that runs hooks with the embedded shell.
// Manifest paths are recorded absolute, so a relative prefix is resolved
// against the working directory.
func New(prefix string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if abs, err := filepath.Abs(prefix); err == nil {
		prefix = abs
	}
	return &Registry{
		Prefix: prefix,
		Logger: logger,
		Clock:  clock.Real{},
		Hooks:  &toolchain.ShellRunner{},
	}
}

// Path returns the registry document location.
func (r *Registry) Path() string { return filepath.Join(r.modulesDir(), FileName) }

func (r *Registry) headersDir(name string) string {
	return filepath.Join(r.Prefix, "include", "kiln", name)
}

func (r *Registry) libDir() string { return filepath.Join(r.Prefix, "lib") }

func (r *Registry) modulesDir() string {
	return filepath.Join(r.Prefix, "share", "kiln", "modules")
}

func (r *Registry) configPath(name string) string {
	return filepath.Join(r.modulesDir(), name+".toml")
}

func (r *Registry) resourcesDir(name string) string {
	return filepath.Join(r.Prefix, "share", "kiln", "resources", name)
}

func (r *Registry) backupsDir() string {
	return filepath.Join(r.Prefix, "share", "kiln", "backups")
}

func (r *Registry) scriptsDir() string {
	return filepath.Join(r.Prefix, "share", "kiln", "scripts")
}

func (r *Registry) preUninstallPath(name string) string {
	return filepath.Join(r.scriptsDir(), name+"_pre_uninstall.sh")
}

// managedRoots are the directories empty-parent pruning never removes.
func (r *Registry) managedRoots() []string {
	return []string{
		r.Prefix,
		filepath.Join(r.Prefix, "include", "kiln"),
		r.libDir(),
		r.modulesDir(),
		filepath.Join(r.Prefix, "share", "kiln", "resources"),
		r.scriptsDir(),
	}
}

func (r *Registry) logger() *log.Logger {
	if r.Logger == nil {
		r.Logger = log.New(io.Discard)
	}
	return r.Logger
}

// Load reads the registry document without locking.
func (r *Registry) Load() (*Document, error) {
	return readDocument(r.Path())
}

// update runs fn on the current document under the registry lock and saves
// the result. The document is not written when fn fails.
func (r *Registry) update(fn func(doc *Document) error) error {
	return r.locked(true, fn)
}

// view runs fn on the current document under the registry lock without
// saving it.
func (r *Registry) view(fn func(doc *Document) error) error {
	return r.locked(false, fn)
}

func (r *Registry) locked(save bool, fn func(doc *Document) error) error {
	if err := os.MkdirAll(r.modulesDir(), 0o755); err != nil {
		return err
	}
	lock, err := acquireLock(filepath.Join(r.modulesDir(), lockFileName))
	if err != nil {
		return err
	}
	defer lock.Release()

	doc, err := readDocument(r.Path())
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if !save {
		return nil
	}
	return writeDocument(r.Path(), doc)
}

// List returns every installed record, sorted by name.
func (r *Registry) List() ([]*Record, error) {
	doc, err := r.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(doc.Modules))
	for _, n := range doc.Names() {
		out = append(out, doc.Modules[n])
	}
	return out, nil
}

// Get returns the record of an installed module.
func (r *Registry) Get(name string) (*Record, error) {
	doc, err := r.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.Modules[name]
	if !ok {
		return nil, &NotInstalledError{Module: name}
	}
	return rec, nil
}

// IsInstalled reports whether name has a record. Read failures count as
// not installed.
func (r *Registry) IsInstalled(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Dependents returns the installed modules that depend on name.
func (r *Registry) Dependents(name string) ([]string, error) {
	doc, err := r.Load()
	if err != nil {
		return nil, err
	}
	return doc.Dependents(name), nil
}

func (r *Registry) now() time.Time {
	return clock.OrReal(r.Clock).Now().UTC()
}

func (r *Registry) hookEnv(rec *Record) []string {
	return []string{
		"KILN_MODULE=" + rec.Name,
		"KILN_VERSION=" + rec.Version.String(),
		"KILN_PREFIX=" + r.Prefix,
	}
}

// runHook runs a hook script and converts any failure into a warning string.
func (r *Registry) runHook(ctx context.Context, kind, script string, rec *Record) string {
	if r.Hooks == nil {
		return ""
	}
	if _, err := os.Stat(script); err != nil {
		return ""
	}
	r.logger().Debug("running hook", "hook", kind, "module", rec.Name, "script", script)
	res, err := r.Hooks.RunScript(ctx, script, r.Prefix, r.hookEnv(rec))
	if err == nil {
		err = res.Err(kind)
	}
	if err != nil {
		r.logger().Warn("hook failed", "hook", kind, "module", rec.Name, "err", err)
		return kind + " hook failed: " + err.Error()
	}
	return ""
}
