// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/pkg/kilnmod"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
)

type (
	// StructureError reports a package missing required structure.
	StructureError struct {
		Package  string
		Problems []string
	}

	// PackageResult is the verification outcome of a single package.
	PackageResult struct {
		Name           string   `json:"name"`
		Path           string   `json:"path"`
		Valid          bool     `json:"valid"`
		Size           int64    `json:"size"`
		Digest         string   `json:"digest,omitempty"`
		SidecarCreated bool     `json:"sidecar_created,omitempty"`
		Errors         []string `json:"errors,omitempty"`
		Warnings       []string `json:"warnings,omitempty"`

		err error
	}

	// Summary tallies a verification batch.
	Summary struct {
		Total       int     `json:"total_packages"`
		Valid       int     `json:"valid_packages"`
		Invalid     int     `json:"invalid_packages"`
		SuccessRate float64 `json:"success_rate"`
	}

	// VerificationReport is the outcome of verifying every package in a directory.
	VerificationReport struct {
		Timestamp time.Time       `json:"verification_timestamp"`
		Directory string          `json:"directory"`
		Summary   Summary         `json:"summary"`
		Packages  []PackageResult `json:"packages"`
	}

	// Verifier checks package structure, descriptor metadata and digests.
	Verifier struct {
		Logger *log.Logger
		Clock  clock.Clock
	}
)

func (e *StructureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Package, strings.Join(e.Problems, "; "))
}

// Unwrap returns ErrPackageIntegrity for errors.Is compatibility.
func (e *StructureError) Unwrap() error { return ErrPackageIntegrity }

// Err returns the failure that invalidated the package, if any.
func (r *PackageResult) Err() error { return r.err }

// Err aggregates every package failure of the batch.
func (r *VerificationReport) Err() error {
	var result *multierror.Error
	for i := range r.Packages {
		if err := r.Packages[i].Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Write encodes the report as indented JSON.
func (r *VerificationReport) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes the report to path.
func (r *VerificationReport) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := r.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

// NewVerifier returns a Verifier with a discarding logger and the real clock.
func NewVerifier(logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Verifier{Logger: logger, Clock: clock.Real{}}
}

// VerifyPackage checks structure first, then descriptor metadata (missing
// fields are warnings), then the digest sidecar.
func (v *Verifier) VerifyPackage(pkgPath string) PackageResult {
	res := PackageResult{Name: filepath.Base(pkgPath), Path: pkgPath}

	info, err := os.Stat(pkgPath)
	if err != nil {
		res.err = err
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.Size = info.Size()

	if problems := VerifyStructure(pkgPath); len(problems) > 0 {
		res.err = &StructureError{Package: res.Name, Problems: problems}
		res.Errors = append(res.Errors, problems...)
		return res
	}

	desc, err := ReadDescriptor(pkgPath)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("descriptor unreadable: %v", err))
	} else {
		for _, field := range desc.MissingMetadata() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("descriptor missing field %q", field))
		}
		if w := FileNameMismatch(pkgPath, desc); w != "" {
			res.Warnings = append(res.Warnings, w)
		}
	}

	d, created, err := CheckSidecar(pkgPath)
	res.Digest = d.String()
	res.SidecarCreated = created
	if err != nil {
		res.err = err
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	res.Valid = true
	return res
}

// FileNameMismatch describes how the package file name disagrees with the
// module it contains, or returns "" when it is <name> or <name>-<version>.
func FileNameMismatch(pkgPath string, desc *kilnmod.Descriptor) string {
	if desc.Name == "" {
		return ""
	}
	base := strings.TrimSuffix(filepath.Base(pkgPath), Extension)
	name := desc.Name.String()
	if base == name || (desc.Version != "" && base == name+"-"+desc.Version.String()) {
		return ""
	}
	return fmt.Sprintf("package file %s contains module %q", filepath.Base(pkgPath), name)
}

// VerifyDir verifies every package under dir. A failing package never stops
// the batch; failures are collected in the report. The error return is
// reserved for problems that prevent the batch from starting.
func (v *Verifier) VerifyDir(dir string) (*VerificationReport, error) {
	if v.Logger == nil {
		v.Logger = log.New(io.Discard)
	}
	report := &VerificationReport{Timestamp: clock.OrReal(v.Clock).Now(), Directory: dir}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read package directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matches, err := doublestar.Glob(os.DirFS(dir), "**/*"+Extension)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	for _, rel := range matches {
		res := v.VerifyPackage(filepath.Join(dir, filepath.FromSlash(rel)))
		switch {
		case res.Valid && res.SidecarCreated:
			v.Logger.Info("package verified, digest recorded", "package", res.Name, "digest", res.Digest)
		case res.Valid:
			v.Logger.Info("package verified", "package", res.Name)
		case errors.Is(res.Err(), ErrPackageIntegrity):
			v.Logger.Error("package integrity check failed", "package", res.Name, "err", res.Err())
		default:
			v.Logger.Error("package verification failed", "package", res.Name, "err", res.Err())
		}
		for _, w := range res.Warnings {
			v.Logger.Warn(w, "package", res.Name)
		}
		report.Packages = append(report.Packages, res)
	}

	report.Summary.Total = len(report.Packages)
	for i := range report.Packages {
		if report.Packages[i].Valid {
			report.Summary.Valid++
		}
	}
	report.Summary.Invalid = report.Summary.Total - report.Summary.Valid
	if report.Summary.Total > 0 {
		report.Summary.SuccessRate = float64(report.Summary.Valid) / float64(report.Summary.Total) * 100
	}
	return report, nil
}
