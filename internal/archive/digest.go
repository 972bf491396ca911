// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// SidecarExt is appended to a package path to name its digest sidecar.
const SidecarExt = ".sha256"

var (
	// ErrPackageIntegrity is the sentinel for every package integrity failure.
	ErrPackageIntegrity = errors.New("package integrity error")
	// ErrMalformedSidecar is returned when a sidecar cannot be parsed.
	ErrMalformedSidecar = errors.New("malformed digest sidecar")
)

// IntegrityError reports a package whose content no longer matches the
// digest recorded in its sidecar.
type IntegrityError struct {
	Package  string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: digest mismatch (expected %s, got %s)", e.Package, e.Expected, e.Actual)
}

// Unwrap returns ErrPackageIntegrity for errors.Is compatibility.
func (e *IntegrityError) Unwrap() error { return ErrPackageIntegrity }

// ContentHash returns the sha256 digest of the file at path.
func ContentHash(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return d, nil
}

// SidecarPath returns the sidecar location for a package.
func SidecarPath(pkgPath string) string {
	return pkgPath + SidecarExt
}

// WriteSidecar records d next to the package as "<hex>  <file name>".
func WriteSidecar(pkgPath string, d digest.Digest) error {
	line := fmt.Sprintf("%s  %s\n", d.Encoded(), filepath.Base(pkgPath))
	if err := os.WriteFile(SidecarPath(pkgPath), []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar returns the digest recorded for a package.
func ReadSidecar(pkgPath string) (digest.Digest, error) {
	f, err := os.Open(SidecarPath(pkgPath))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.SHA256, fields[0])
		if err := d.Validate(); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrMalformedSidecar, SidecarPath(pkgPath), err)
		}
		if len(fields) > 1 && fields[len(fields)-1] != filepath.Base(pkgPath) {
			return "", fmt.Errorf("%w: %s names %q", ErrMalformedSidecar, SidecarPath(pkgPath), fields[len(fields)-1])
		}
		return d, nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%w: %s is empty", ErrMalformedSidecar, SidecarPath(pkgPath))
}

// CheckSidecar hashes the package and compares it with its sidecar. The
// first check writes the sidecar and reports created=true.
func CheckSidecar(pkgPath string) (d digest.Digest, created bool, err error) {
	d, err = ContentHash(pkgPath)
	if err != nil {
		return "", false, err
	}

	recorded, err := ReadSidecar(pkgPath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := WriteSidecar(pkgPath, d); err != nil {
			return d, false, err
		}
		return d, true, nil
	}
	if err != nil {
		return d, false, err
	}
	if recorded != d {
		return d, false, &IntegrityError{
			Package:  filepath.Base(pkgPath),
			Expected: recorded.Encoded(),
			Actual:   d.Encoded(),
		}
	}
	return d, false, nil
}
