// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

type (
	// InstallResult describes a completed installation.
	InstallResult struct {
		Record *Record
		// Previous is the replaced record of a forced reinstall.
		Previous *Record
		// MissingDependencies lists declared dependencies that are not installed.
		MissingDependencies []string
		// TakenOver lists files a forced install took from other modules.
		TakenOver []FileConflict
		// Compatibility is set when an installed version was replaced.
		Compatibility *kilnmod.Compatibility
		Warnings      []string
	}

	// copyOp is one file placed by an installation.
	copyOp struct {
		src, dst string
	}

	// stagedFile is a copyOp whose new content sits in tmp next to dst.
	// A replaced dst is parked at backup until the install completes.
	stagedFile struct {
		dst, tmp, backup string
		committed        bool
	}
)

// Change describes how the install relates to the replaced version:
// "install", "upgrade", "downgrade" or "reinstall".
func (res *InstallResult) Change() string {
	if res.Previous == nil {
		return "install"
	}
	switch c := res.Record.Version.Compare(res.Previous.Version); {
	case c > 0:
		return "upgrade"
	case c < 0:
		return "downgrade"
	default:
		return "reinstall"
	}
}

// Install installs the module in src, a package directory or a .tar.gz
// package. An installed module is only replaced when force is set, and files
// recorded for another module are only taken over when force is set. Files
// are placed as a unit and the record is saved only after every file is in
// place; a failure leaves the previous installation untouched. The
// post-install hook runs last and its failure is only a warning.
func (r *Registry) Install(ctx context.Context, src string, force bool) (*InstallResult, error) {
	root, cleanup, err := r.unpack(src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	desc, err := kilnmod.LoadValid(root)
	if err != nil {
		return nil, err
	}
	name := desc.Name.String()

	ops, files, err := r.plan(root, name)
	if err != nil {
		return nil, err
	}

	res := &InstallResult{}
	if root != src {
		if w := archive.FileNameMismatch(src, desc); w != "" {
			r.logger().Warn(w)
			res.Warnings = append(res.Warnings, w)
		}
	}
	err = r.update(func(doc *Document) error {
		prev, installed := doc.Modules[name]
		if installed && !force {
			return &AlreadyInstalledError{Module: name, Installed: prev.Version}
		}

		owners := doc.owners(name)
		var conflicts []FileConflict
		for _, p := range files.All() {
			if owner, ok := owners[p]; ok {
				conflicts = append(conflicts, FileConflict{Path: p, Owner: owner})
			}
		}
		if len(conflicts) > 0 && !force {
			return &FileConflictError{Module: name, Conflicts: conflicts}
		}

		if err := r.placeAll(ops); err != nil {
			return err
		}
		if installed {
			r.removeStale(prev.Files, files)
			res.Previous = prev
		}
		for _, c := range conflicts {
			other := doc.Modules[c.Owner]
			other.Files = other.Files.Without(c.Path)
			res.TakenOver = append(res.TakenOver, c)
		}

		rec := &Record{
			Name:          name,
			Version:       desc.Version,
			Description:   desc.Description,
			InstalledDate: r.now(),
			Capabilities:  desc.Capabilities,
			Files:         files,
		}
		for _, d := range desc.Dependencies {
			rec.Dependencies = append(rec.Dependencies, d.String())
			if _, ok := doc.Modules[d.String()]; !ok {
				res.MissingDependencies = append(res.MissingDependencies, d.String())
			}
		}
		doc.Modules[name] = rec
		res.Record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := r.logger().With("module", name, "version", desc.Version)
	switch res.Change() {
	case "upgrade":
		logger.Info("module upgraded", "previous", res.Previous.Version, "files", files.Count())
	case "downgrade":
		logger.Warn("module downgraded", "previous", res.Previous.Version, "files", files.Count())
	case "reinstall":
		logger.Info("module reinstalled", "files", files.Count())
	default:
		logger.Info("module installed", "files", files.Count())
	}
	for _, d := range res.MissingDependencies {
		logger.Warn("dependency not installed", "dependency", d)
	}
	for _, c := range res.TakenOver {
		logger.Warn("took over file from another module", "path", c.Path, "owner", c.Owner)
	}
	if res.Previous != nil {
		if compat, err := kilnmod.CheckCompatibility(res.Previous.Version, desc.Version, ""); err == nil {
			res.Compatibility = compat
			res.Warnings = append(res.Warnings, compat.Warnings...)
			res.Warnings = append(res.Warnings, compat.Errors...)
		}
	}

	if w := r.runHook(ctx, "post-install", filepath.Join(root, filepath.FromSlash(PostInstallHook)), res.Record); w != "" {
		res.Warnings = append(res.Warnings, w)
	}
	return res, nil
}

// unpack resolves src to a package root directory, extracting archives into
// a temporary directory that cleanup removes.
func (r *Registry) unpack(src string) (root string, cleanup func(), err error) {
	cleanup = func() {}
	info, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", cleanup, fmt.Errorf("package %s does not exist", src)
		}
		return "", cleanup, err
	}
	if info.IsDir() {
		return src, cleanup, nil
	}
	if !strings.HasSuffix(src, archive.Extension) {
		return "", cleanup, fmt.Errorf("%s is neither a package directory nor a %s archive", src, archive.Extension)
	}

	tmp, err := os.MkdirTemp("", "kiln-install-*")
	if err != nil {
		return "", cleanup, fmt.Errorf("failed to create staging directory: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(tmp) }
	root, err = archive.Extract(src, tmp)
	if err != nil {
		cleanup()
		return "", func() {}, err
	}
	r.logger().Debug("package extracted", "archive", src, "root", root)
	return root, cleanup, nil
}

// plan maps the package tree to its destinations under the prefix.
func (r *Registry) plan(root, name string) ([]copyOp, Files, error) {
	var (
		ops   []copyOp
		files Files
	)
	add := func(kind *[]string, src, dst string) {
		ops = append(ops, copyOp{src: src, dst: dst})
		*kind = append(*kind, dst)
	}

	err := walkFiles(filepath.Join(root, "include"), func(rel, src string) {
		add(&files.Headers, src, filepath.Join(r.headersDir(name), rel))
	})
	if err != nil {
		return nil, Files{}, err
	}
	err = walkFiles(filepath.Join(root, "lib"), func(rel, src string) {
		add(&files.Libraries, src, filepath.Join(r.libDir(), filepath.Base(rel)))
	})
	if err != nil {
		return nil, Files{}, err
	}
	add(&files.Config, filepath.Join(root, kilnmod.DescriptorFile), r.configPath(name))
	err = walkFiles(filepath.Join(root, "resources"), func(rel, src string) {
		add(&files.Resources, src, filepath.Join(r.resourcesDir(name), rel))
	})
	if err != nil {
		return nil, Files{}, err
	}
	if hook := filepath.Join(root, filepath.FromSlash(PreUninstallHook)); fileExists(hook) {
		add(&files.Scripts, hook, r.preUninstallPath(name))
	}
	return ops, files, nil
}

// walkFiles calls fn for every regular file under dir with its slash-free
// relative path. A missing dir yields nothing.
func walkFiles(dir string, fn func(rel, src string)) error {
	if !fileExists(dir) {
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		fn(rel, p)
		return nil
	})
}

// placeAll puts every file of ops into place or none of them. New content
// is first staged next to each destination; destinations are swapped only
// once every file is staged. Any failure restores the previous files.
func (r *Registry) placeAll(ops []copyOp) error {
	staged := make([]*stagedFile, 0, len(ops))
	rollback := func() {
		for i := len(staged) - 1; i >= 0; i-- {
			staged[i].rollback()
			r.pruneEmptyParents(staged[i].dst)
		}
	}

	for _, op := range ops {
		sf, err := stageFile(op.src, op.dst)
		if err != nil {
			rollback()
			r.pruneEmptyParents(op.dst)
			return fmt.Errorf("failed to install %s: %w", op.dst, err)
		}
		staged = append(staged, sf)
	}
	for _, sf := range staged {
		if err := sf.commit(); err != nil {
			rollback()
			return fmt.Errorf("failed to install %s: %w", sf.dst, err)
		}
	}
	for _, sf := range staged {
		sf.finish()
	}
	return nil
}

// stageFile copies src into a temporary file in the directory of dst.
func stageFile(src, dst string) (_ *stagedFile, err error) {
	if info, statErr := os.Lstat(dst); statErr == nil && info.IsDir() {
		return nil, fmt.Errorf("destination is a directory")
	}
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".kiln-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(out.Name())
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return nil, err
	}
	if err = out.Chmod(info.Mode().Perm()); err != nil {
		return nil, err
	}
	if err = out.Close(); err != nil {
		return nil, err
	}
	return &stagedFile{dst: dst, tmp: out.Name()}, nil
}

func (s *stagedFile) commit() error {
	if _, err := os.Lstat(s.dst); err == nil {
		backup := s.tmp + ".prev"
		if err := os.Rename(s.dst, backup); err != nil {
			return err
		}
		s.backup = backup
	}
	if err := os.Rename(s.tmp, s.dst); err != nil {
		return err
	}
	s.committed = true
	return nil
}

// rollback discards the staged content and puts back the replaced file.
func (s *stagedFile) rollback() {
	if s.committed {
		_ = os.Remove(s.dst)
	} else {
		_ = os.Remove(s.tmp)
	}
	if s.backup != "" {
		_ = os.Rename(s.backup, s.dst)
	}
}

func (s *stagedFile) finish() {
	if s.backup != "" {
		_ = os.Remove(s.backup)
	}
}

// removeStale deletes files of the replaced installation that the new one
// no longer provides.
func (r *Registry) removeStale(old, current Files) {
	keep := current.All()
	for _, p := range old.All() {
		if slices.Contains(keep, p) {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger().Warn("failed to remove stale file", "path", p, "err", err)
			continue
		}
		r.pruneEmptyParents(p)
	}
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
