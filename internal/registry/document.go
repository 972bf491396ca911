// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

// SchemaVersion is written into every saved registry document.
const SchemaVersion = "1.0"

var (
	// ErrAlreadyInstalled is the sentinel wrapped by AlreadyInstalledError.
	ErrAlreadyInstalled = errors.New("module already installed")
	// ErrNotInstalled is the sentinel wrapped by NotInstalledError.
	ErrNotInstalled = errors.New("module not installed")
	// ErrBlockedByDependents is the sentinel wrapped by BlockedByDependentsError.
	ErrBlockedByDependents = errors.New("module has installed dependents")
	// ErrRegistryCorrupt is the sentinel wrapped by CorruptError.
	ErrRegistryCorrupt = errors.New("registry document is corrupt")
	// ErrFileConflict is the sentinel wrapped by FileConflictError.
	ErrFileConflict = errors.New("file owned by another module")
)

type (
	// Files is the manifest of an installation, grouped by kind. Paths are absolute.
	Files struct {
		Headers   []string `json:"headers"`
		Libraries []string `json:"libraries"`
		Config    []string `json:"config"`
		Resources []string `json:"resources"`
		Scripts   []string `json:"scripts,omitempty"`
	}

	// Record describes one installed module.
	Record struct {
		Name          string               `json:"name"`
		Version       kilnmod.Version      `json:"version"`
		Description   string               `json:"description,omitempty"`
		InstalledDate time.Time            `json:"installed_date"`
		Dependencies  []string             `json:"dependencies"`
		Capabilities  kilnmod.Capabilities `json:"capabilities"`
		Files         Files                `json:"files"`
	}

	// Document is the persisted registry.
	Document struct {
		SchemaVersion string             `json:"schema_version"`
		Modules       map[string]*Record `json:"modules"`
	}

	// AlreadyInstalledError is returned by a non-forced install of an installed module.
	AlreadyInstalledError struct {
		Module    string
		Installed kilnmod.Version
	}

	// NotInstalledError is returned for operations on a module with no record.
	NotInstalledError struct {
		Module string
	}

	// BlockedByDependentsError is returned when other installed modules
	// still depend on the module being removed.
	BlockedByDependentsError struct {
		Module     string
		Dependents []string
	}

	// FileConflict is an install destination already recorded for Owner.
	FileConflict struct {
		Path  string `json:"path"`
		Owner string `json:"owner"`
	}

	// FileConflictError is returned by a non-forced install whose files are
	// recorded in the manifest of another installed module.
	FileConflictError struct {
		Module    string
		Conflicts []FileConflict
	}

	// CorruptError is returned when the registry document cannot be parsed.
	CorruptError struct {
		Path  string
		Cause error
	}
)

func (e *AlreadyInstalledError) Error() string {
	return fmt.Sprintf("module %q is already installed (version %s)", e.Module, e.Installed)
}

// Unwrap returns ErrAlreadyInstalled for errors.Is compatibility.
func (e *AlreadyInstalledError) Unwrap() error { return ErrAlreadyInstalled }

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("module %q is not installed", e.Module)
}

// Unwrap returns ErrNotInstalled for errors.Is compatibility.
func (e *NotInstalledError) Unwrap() error { return ErrNotInstalled }

func (e *BlockedByDependentsError) Error() string {
	return fmt.Sprintf("module %q is required by installed modules: %v", e.Module, e.Dependents)
}

// Unwrap returns ErrBlockedByDependents for errors.Is compatibility.
func (e *BlockedByDependentsError) Unwrap() error { return ErrBlockedByDependents }

func (e *FileConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s (%s)", c.Path, c.Owner))
	}
	return fmt.Sprintf("module %q would overwrite files of installed modules: %s", e.Module, strings.Join(parts, ", "))
}

// Unwrap returns ErrFileConflict for errors.Is compatibility.
func (e *FileConflictError) Unwrap() error { return ErrFileConflict }

func (e *CorruptError) Error() string {
	return fmt.Sprintf("registry %s is corrupt: %v", e.Path, e.Cause)
}

// Unwrap returns ErrRegistryCorrupt and the parse error.
func (e *CorruptError) Unwrap() []error { return []error{ErrRegistryCorrupt, e.Cause} }

// All returns every manifest path in a stable order.
func (f Files) All() []string {
	all := make([]string, 0, len(f.Headers)+len(f.Libraries)+len(f.Config)+len(f.Resources)+len(f.Scripts))
	all = append(all, f.Headers...)
	all = append(all, f.Libraries...)
	all = append(all, f.Config...)
	all = append(all, f.Resources...)
	all = append(all, f.Scripts...)
	return all
}

// Count returns the number of manifest paths.
func (f Files) Count() int {
	return len(f.Headers) + len(f.Libraries) + len(f.Config) + len(f.Resources) + len(f.Scripts)
}

// Without returns a copy of f with paths dropped from every kind.
func (f Files) Without(paths ...string) Files {
	drop := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			if !slices.Contains(paths, p) {
				out = append(out, p)
			}
		}
		return out
	}
	return Files{
		Headers:   drop(f.Headers),
		Libraries: drop(f.Libraries),
		Config:    drop(f.Config),
		Resources: drop(f.Resources),
		Scripts:   drop(f.Scripts),
	}
}

func newDocument() *Document {
	return &Document{SchemaVersion: SchemaVersion, Modules: make(map[string]*Record)}
}

// Names returns the installed module names, sorted.
func (d *Document) Names() []string {
	return slices.Sorted(maps.Keys(d.Modules))
}

// Dependents returns the installed modules that declare name as a
// dependency, sorted.
func (d *Document) Dependents(name string) []string {
	var out []string
	for _, n := range d.Names() {
		if n != name && slices.Contains(d.Modules[n].Dependencies, name) {
			out = append(out, n)
		}
	}
	return out
}

// owners maps every manifest path of the records other than except to the
// module that owns it.
func (d *Document) owners(except string) map[string]string {
	out := make(map[string]string)
	for _, n := range d.Names() {
		if n == except {
			continue
		}
		for _, p := range d.Modules[n].Files.All() {
			out[p] = n
		}
	}
	return out
}

// readDocument loads the document at path. A missing file is an empty
// registry; an unparsable one is a CorruptError.
func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, &CorruptError{Path: path, Cause: err}
	}
	if doc.Modules == nil {
		doc.Modules = make(map[string]*Record)
	}
	for name, rec := range doc.Modules {
		if rec == nil {
			return nil, &CorruptError{Path: path, Cause: fmt.Errorf("module %q has a null record", name)}
		}
		if rec.Name == "" {
			rec.Name = name
		}
	}
	return doc, nil
}

// writeDocument replaces the document at path atomically: the content goes
// to a temporary file in the same directory, is synced, then renamed over
// the old document.
func writeDocument(path string, doc *Document) (err error) {
	doc.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary registry: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync registry: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close registry: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set registry permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
