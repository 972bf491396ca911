// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

const (
	backupInfoFile  = "backup.json"
	backupFilesDir  = "files"
	backupStampForm = "20060102_150405"
)

var (
	// ErrBackupNotFound is the sentinel wrapped by BackupNotFoundError.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrBackupExists is returned when a backup name is already taken.
	ErrBackupExists = errors.New("backup already exists")

	backupNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

type (
	// BackupInfo describes a snapshot of every installed module.
	BackupInfo struct {
		Name    string                     `json:"name" yaml:"name"`
		Created time.Time                  `json:"created" yaml:"created"`
		Modules map[string]kilnmod.Version `json:"modules" yaml:"modules"`
		Files   int                        `json:"files" yaml:"files"`
		Size    int64                      `json:"size" yaml:"size"`
		// Missing lists manifest paths that were absent when the backup was taken.
		Missing []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	}

	// RestoreResult describes a completed restore.
	RestoreResult struct {
		Backup *BackupInfo
		// Safety is the backup of the state the restore replaced.
		Safety   *BackupInfo
		Restored int
		// Removed counts installed files the backup did not contain.
		Removed int
	}

	// BackupNotFoundError is returned for a backup name with no snapshot.
	BackupNotFoundError struct {
		Name string
	}
)

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("backup %q does not exist", e.Name)
}

// Unwrap returns ErrBackupNotFound for errors.Is compatibility.
func (e *BackupNotFoundError) Unwrap() error { return ErrBackupNotFound }

// Backup snapshots the registry and every installed file. An empty name
// picks backup_<timestamp>.
func (r *Registry) Backup(name string) (*BackupInfo, error) {
	if name == "" {
		name = r.freeBackupName("backup")
	}
	if err := validBackupName(name); err != nil {
		return nil, err
	}

	var info *BackupInfo
	err := r.view(func(doc *Document) error {
		var err error
		info, err = r.snapshot(name, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger().Info("backup created", "backup", name, "modules", len(info.Modules), "files", info.Files)
	for _, p := range info.Missing {
		r.logger().Warn("installed file missing from backup", "backup", name, "path", p)
	}
	return info, nil
}

// snapshot writes the backup into a staging directory and moves it into
// place once complete.
func (r *Registry) snapshot(name string, doc *Document) (_ *BackupInfo, err error) {
	dst := filepath.Join(r.backupsDir(), name)
	if _, err := os.Lstat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupExists, name)
	}
	if err := os.MkdirAll(r.backupsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmp, err := os.MkdirTemp(r.backupsDir(), "."+name+".kiln-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	info := &BackupInfo{Name: name, Created: r.now(), Modules: make(map[string]kilnmod.Version)}
	for _, n := range doc.Names() {
		rec := doc.Modules[n]
		info.Modules[n] = rec.Version
		for _, p := range rec.Files.All() {
			rel, ok := r.prefixRel(p)
			if !ok {
				return nil, fmt.Errorf("manifest path %s of module %q is outside %s", p, n, r.Prefix)
			}
			size, err := copyFile(p, filepath.Join(tmp, backupFilesDir, rel))
			if errors.Is(err, fs.ErrNotExist) {
				info.Missing = append(info.Missing, p)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to back up %s: %w", p, err)
			}
			info.Files++
			info.Size += size
		}
	}

	if err := writeDocument(filepath.Join(tmp, FileName), doc); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, backupInfoFile), append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return nil, fmt.Errorf("failed to finalize backup: %w", err)
	}
	return info, nil
}

// Backups returns every backup, newest first.
func (r *Registry) Backups() ([]*BackupInfo, error) {
	entries, err := os.ReadDir(r.backupsDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*BackupInfo
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := r.readBackupInfo(e.Name())
		if err != nil {
			r.logger().Warn("skipping unreadable backup", "backup", e.Name(), "err", err)
			continue
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b *BackupInfo) int {
		if c := b.Created.Compare(a.Created); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// GetBackup returns the description of one backup.
func (r *Registry) GetBackup(name string) (*BackupInfo, error) {
	if err := validBackupName(name); err != nil {
		return nil, err
	}
	return r.readBackupInfo(name)
}

// readBackupInfo loads backup.json, falling back to the directory time for
// a backup whose description is missing.
func (r *Registry) readBackupInfo(name string) (*BackupInfo, error) {
	dir := filepath.Join(r.backupsDir(), name)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, &BackupNotFoundError{Name: name}
	}
	data, err := os.ReadFile(filepath.Join(dir, backupInfoFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &BackupInfo{Name: name, Created: st.ModTime().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	info := &BackupInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("backup %q has an invalid %s: %w", name, backupInfoFile, err)
	}
	info.Name = name
	return info, nil
}

// Restore replaces the installed modules with the contents of a backup.
// The current state is saved as a pre_restore backup first. Files are
// placed as a unit, so a failed restore leaves the installation as it was.
func (r *Registry) Restore(name string) (*RestoreResult, error) {
	info, err := r.GetBackup(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.backupsDir(), name)
	saved, err := readDocument(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}

	safety, err := r.Backup(r.freeBackupName("pre_restore"))
	if err != nil {
		return nil, fmt.Errorf("failed to back up current state: %w", err)
	}

	res := &RestoreResult{Backup: info, Safety: safety}
	err = r.update(func(doc *Document) error {
		var (
			ops  []copyOp
			keep []string
		)
		for _, n := range saved.Names() {
			for _, p := range saved.Modules[n].Files.All() {
				rel, ok := r.prefixRel(p)
				if !ok {
					return fmt.Errorf("backup path %s is outside %s", p, r.Prefix)
				}
				keep = append(keep, p)
				src := filepath.Join(dir, backupFilesDir, rel)
				if fileExists(src) {
					ops = append(ops, copyOp{src: src, dst: p})
				}
			}
		}
		if err := r.placeAll(ops); err != nil {
			return err
		}
		res.Restored = len(ops)

		for _, n := range doc.Names() {
			for _, p := range doc.Modules[n].Files.All() {
				if slices.Contains(keep, p) {
					continue
				}
				if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
					r.logger().Warn("failed to remove file", "path", p, "err", err)
					continue
				}
				res.Removed++
				r.pruneEmptyParents(p)
			}
		}
		doc.Modules = saved.Modules
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger().Info("backup restored", "backup", name, "files", res.Restored, "removed", res.Removed, "safety", safety.Name)
	return res, nil
}

// DeleteBackup removes a backup.
func (r *Registry) DeleteBackup(name string) error {
	if _, err := r.GetBackup(name); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(r.backupsDir(), name)); err != nil {
		return fmt.Errorf("failed to delete backup %q: %w", name, err)
	}
	r.logger().Info("backup deleted", "backup", name)
	return nil
}

// freeBackupName returns <prefix>_<timestamp>, suffixed with a counter when
// a backup was already taken in the same second.
func (r *Registry) freeBackupName(prefix string) string {
	base := prefix + "_" + r.now().Format(backupStampForm)
	name := base
	for i := 2; fileExists(filepath.Join(r.backupsDir(), name)); i++ {
		name = base + "_" + strconv.Itoa(i)
	}
	return name
}

// prefixRel returns p relative to the prefix, or false when p is outside it.
func (r *Registry) prefixRel(p string) (string, bool) {
	rel, err := filepath.Rel(r.Prefix, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

func validBackupName(name string) error {
	if !backupNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid backup name %q: use letters, digits, '.', '_' and '-'", name)
	}
	return nil
}

// copyFile copies src to dst with the source permissions and returns the
// number of bytes written.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
