// SPDX-License-Identifier: MPL-2.0

// Package archive creates, extracts and verifies module packages: gzip
// compressed tarballs with a single root directory holding kilnmod.toml,
// include/ and src/.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kilnbuild/kiln/pkg/kilnmod"

	"github.com/klauspost/compress/gzip"
)

// Extension is the file suffix of module packages.
const Extension = ".tar.gz"

var (
	// ErrArchiveNotFound is returned when the archive path does not exist.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrEmptyArchive is returned when an archive holds no entries.
	ErrEmptyArchive = errors.New("archive is empty")
	// ErrUnsafePath is returned when an entry would land outside the destination.
	ErrUnsafePath = errors.New("unsafe path in archive")
)

// Create packs srcDir into a gzip-compressed tarball at outPath. Entries are
// rooted at the base name of srcDir.
func Create(srcDir, outPath string) (archivePath string, err error) {
	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve source: %w", err)
	}
	absOut, err := filepath.Abs(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absOut), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	out, err := os.Create(absOut)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(absOut)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	root := filepath.Base(absSrc)

	walkErr := filepath.WalkDir(absSrc, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, relErr := filepath.Rel(absSrc, p)
		if relErr != nil {
			return fmt.Errorf("failed to get relative path: %w", relErr)
		}
		if p == absOut {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("failed to get file info: %w", infoErr)
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			// Symlinks and devices are not packaged.
			return nil
		}
		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return fmt.Errorf("failed to create header: %w", hdrErr)
		}
		hdr.Name = path.Join(root, filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}
		f, openErr := os.Open(p)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return absOut, nil
}

// walk calls fn for every entry of the archive, in stream order.
func walk(archivePath string, fn func(hdr *tar.Header, r io.Reader) error) (err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, archivePath)
		}
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s", ErrEmptyArchive, archivePath)
		}
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer func() {
		if closeErr := gz.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}
		if nextErr != nil {
			return fmt.Errorf("failed to read tar entry: %w", nextErr)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// Entries lists the entry names of an archive, with directory entries
// keeping their trailing slash.
func Entries(archivePath string) ([]string, error) {
	var names []string
	err := walk(archivePath, func(hdr *tar.Header, _ io.Reader) error {
		names = append(names, hdr.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, archivePath)
	}
	return names, nil
}

// Root returns the single top-level directory shared by every entry, or ""
// when entries are spread across several top-level names.
func Root(names []string) string {
	root := ""
	for _, n := range names {
		top, _, _ := strings.Cut(strings.TrimPrefix(n, "./"), "/")
		if top == "" {
			continue
		}
		if root == "" {
			root = top
		} else if root != top {
			return ""
		}
	}
	return root
}

// Extract unpacks archivePath into destDir and returns the package root
// directory. Only regular files and directories are materialized.
func Extract(archivePath, destDir string) (string, error) {
	names, err := Entries(archivePath)
	if err != nil {
		return "", err
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve destination: %w", err)
	}
	if err := os.MkdirAll(absDest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}

	err = walk(archivePath, func(hdr *tar.Header, r io.Reader) error {
		target := filepath.Join(absDest, filepath.FromSlash(hdr.Name))
		rel, relErr := filepath.Rel(absDest, target)
		if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0o755)
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			return writeFile(target, r, hdr.FileInfo().Mode().Perm())
		default:
			return nil
		}
	})
	if err != nil {
		return "", err
	}

	if root := Root(names); root != "" {
		return filepath.Join(absDest, root), nil
	}
	return absDest, nil
}

func writeFile(target string, r io.Reader, perm fs.FileMode) (err error) {
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

// VerifyStructure returns the structural problems of a package: a missing
// descriptor, a missing include/ area or a missing src/ area. An unreadable
// archive yields a single problem describing the read failure.
func VerifyStructure(archivePath string) []string {
	names, err := Entries(archivePath)
	if err != nil {
		return []string{err.Error()}
	}
	root := Root(names)
	prefix := ""
	if root != "" {
		prefix = root + "/"
	}

	var hasDescriptor, hasInclude, hasSrc bool
	for _, n := range names {
		n = strings.TrimPrefix(n, "./")
		rel := strings.TrimPrefix(n, prefix)
		switch {
		case rel == kilnmod.DescriptorFile:
			hasDescriptor = true
		case rel == "include/" || strings.HasPrefix(rel, "include/"):
			hasInclude = true
		case rel == "src/" || strings.HasPrefix(rel, "src/"):
			hasSrc = true
		}
	}

	var problems []string
	if !hasDescriptor {
		problems = append(problems, "missing module descriptor "+kilnmod.DescriptorFile)
	}
	if !hasInclude {
		problems = append(problems, "missing headers directory include/")
	}
	if !hasSrc {
		problems = append(problems, "missing sources directory src/")
	}
	return problems
}

// ReadDescriptor parses kilnmod.toml straight from the archive stream.
func ReadDescriptor(archivePath string) (*kilnmod.Descriptor, error) {
	var desc *kilnmod.Descriptor
	err := walk(archivePath, func(hdr *tar.Header, r io.Reader) error {
		if desc != nil || path.Base(hdr.Name) != kilnmod.DescriptorFile || strings.Count(strings.Trim(hdr.Name, "/"), "/") > 1 {
			return nil
		}
		data, err := io.ReadAll(io.LimitReader(r, 1<<20))
		if err != nil {
			return err
		}
		d, err := kilnmod.Parse(data, hdr.Name)
		if err != nil {
			return err
		}
		desc = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("%w in %s", kilnmod.ErrDescriptorNotFound, archivePath)
	}
	return desc, nil
}
