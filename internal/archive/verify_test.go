// SPDX-License-Identifier: MPL-2.0

package archive_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/internal/clock"
	"github.com/kilnbuild/kiln/internal/testutil/moduletest"
	"github.com/kilnbuild/kiln/pkg/kilnmod"

	"github.com/hashicorp/go-multierror"
)

func TestCheckSidecar_CreatesThenMatches(t *testing.T) {
	t.Parallel()

	pkg := moduletest.New("audio").Pack(t, t.TempDir())

	d, created, err := archive.CheckSidecar(pkg)
	if err != nil {
		t.Fatalf("first CheckSidecar() error = %v", err)
	}
	if !created {
		t.Error("first check should create the sidecar")
	}
	data, err := os.ReadFile(archive.SidecarPath(pkg))
	if err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}
	if want := d.Encoded() + "  audio.tar.gz\n"; string(data) != want {
		t.Errorf("sidecar = %q, want %q", data, want)
	}

	_, created, err = archive.CheckSidecar(pkg)
	if err != nil || created {
		t.Errorf("second CheckSidecar() = created %v, err %v", created, err)
	}
}

func TestCheckSidecar_Tampered(t *testing.T) {
	t.Parallel()

	pkg := moduletest.New("audio").Pack(t, t.TempDir())
	if _, _, err := archive.CheckSidecar(pkg); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(pkg, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, _, err = archive.CheckSidecar(pkg)
	var integrityErr *archive.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if integrityErr.Package != "audio.tar.gz" || integrityErr.Expected == integrityErr.Actual {
		t.Errorf("IntegrityError = %+v", integrityErr)
	}
	if !errors.Is(err, archive.ErrPackageIntegrity) {
		t.Error("IntegrityError should unwrap to ErrPackageIntegrity")
	}
}

func TestReadSidecar_Malformed(t *testing.T) {
	t.Parallel()

	pkg := moduletest.New("audio").Pack(t, t.TempDir())
	if err := os.WriteFile(archive.SidecarPath(pkg), []byte("zz  audio.tar.gz\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := archive.ReadSidecar(pkg); !errors.Is(err, archive.ErrMalformedSidecar) {
		t.Errorf("err = %v, want ErrMalformedSidecar", err)
	}
}

func TestVerifyDir_ContinuesPastFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	moduletest.New("audio").Pack(t, dir)
	moduletest.New("network").Pack(t, dir)
	moduletest.New("video", moduletest.WithoutFile("src/video.cpp")).Pack(t, dir)

	fake := clock.NewFake(time.Time{})
	v := archive.NewVerifier(nil)
	v.Clock = fake

	report, err := v.VerifyDir(dir)
	if err != nil {
		t.Fatalf("VerifyDir() error = %v", err)
	}
	if !report.Timestamp.Equal(fake.Now()) {
		t.Errorf("Timestamp = %v, want %v", report.Timestamp, fake.Now())
	}
	if report.Summary.Total != 3 || report.Summary.Valid != 2 || report.Summary.Invalid != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}

	var structErr *archive.StructureError
	if !errors.As(report.Err(), &structErr) || structErr.Package != "video.tar.gz" {
		t.Errorf("Err() = %v, want StructureError for video", report.Err())
	}
}

func TestVerifyDir_TamperFlagsExactlyOnePackage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"audio", "core", "network"} {
		moduletest.New(name).Pack(t, dir)
	}
	v := archive.NewVerifier(nil)
	first, err := v.VerifyDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.Err() != nil {
		t.Fatalf("first pass failed: %v", first.Err())
	}
	for _, p := range first.Packages {
		if !p.SidecarCreated {
			t.Errorf("%s: sidecar not created on first pass", p.Name)
		}
	}

	// Repack core with different content under the same name.
	moduletest.New("core", moduletest.WithFile("src/extra.cpp", "int x;\n")).Pack(t, dir)

	second, err := v.VerifyDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	merr, ok := second.Err().(*multierror.Error)
	if !ok || len(merr.Errors) != 1 {
		t.Fatalf("Err() = %v, want exactly one failure", second.Err())
	}
	var integrityErr *archive.IntegrityError
	if !errors.As(merr.Errors[0], &integrityErr) || integrityErr.Package != "core.tar.gz" {
		t.Errorf("failure = %v, want IntegrityError for core", merr.Errors[0])
	}
	if second.Summary.Valid != 2 {
		t.Errorf("valid = %d, want 2", second.Summary.Valid)
	}
}

func TestVerifyPackage_MetadataWarnings(t *testing.T) {
	t.Parallel()

	pkg := moduletest.New("ui", moduletest.WithoutDescription()).Pack(t, t.TempDir())
	res := archive.NewVerifier(nil).VerifyPackage(pkg)
	if !res.Valid {
		t.Fatalf("package should be valid: %v", res.Errors)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "description") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestVerifyPackage_FileNameMismatchWarns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkg := filepath.Join(dir, "camera.tar.gz")
	if err := os.Rename(moduletest.New("audio").Pack(t, t.TempDir()), pkg); err != nil {
		t.Fatal(err)
	}

	res := archive.NewVerifier(nil).VerifyPackage(pkg)
	if !res.Valid {
		t.Fatalf("package should be valid: %v", res.Errors)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], `module "audio"`) {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestFileNameMismatch(t *testing.T) {
	t.Parallel()

	desc := &kilnmod.Descriptor{Name: "audio", Version: "1.2.0"}
	tests := []struct {
		file     string
		mismatch bool
	}{
		{"audio.tar.gz", false},
		{"audio-1.2.0.tar.gz", false},
		{"audio-1.3.0.tar.gz", true},
		{"camera.tar.gz", true},
		{"audio_extra.tar.gz", true},
	}
	for _, tt := range tests {
		got := archive.FileNameMismatch(filepath.Join("packages", tt.file), desc)
		if (got != "") != tt.mismatch {
			t.Errorf("FileNameMismatch(%s) = %q, want mismatch %t", tt.file, got, tt.mismatch)
		}
	}
}

func TestVerifyDir_NotADirectory(t *testing.T) {
	t.Parallel()

	if _, err := archive.NewVerifier(nil).VerifyDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestVerificationReport_Write(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	moduletest.New("audio").Pack(t, dir)
	report, err := archive.NewVerifier(nil).VerifyDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := report.Write(&buf); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	summary, _ := decoded["summary"].(map[string]any)
	if summary["total_packages"] != float64(1) || summary["success_rate"] != float64(100) {
		t.Errorf("summary = %v", summary)
	}
}
