// SPDX-License-Identifier: MPL-2.0

package kilnmod

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const audioDescriptor = `
name = "audio"
version = "1.2.0"
description = "Audio device support"
dependencies = ["utils"]

[capabilities]
type = "audio"
interfaces = ["IAudioDevice", "IAudioManager"]
`

func TestParse(t *testing.T) {
	t.Parallel()

	d, err := Parse([]byte(audioDescriptor), DescriptorFile)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := &Descriptor{
		Name:         "audio",
		Version:      "1.2.0",
		Description:  "Audio device support",
		Dependencies: []ModuleName{"utils"},
		Capabilities: Capabilities{Type: "audio", Interfaces: []string{"IAudioDevice", "IAudioManager"}},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
	if err := d.Validate(DescriptorFile); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if !d.DependsOn("utils") || d.DependsOn("core") {
		t.Error("DependsOn() returned wrong answer")
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("name = \n"), "bad.toml")
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Parse() error = %v, want ErrInvalidDescriptor", err)
	}
}

func TestDescriptor_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		desc     Descriptor
		problems int
	}{
		{"valid", Descriptor{Name: "core", Version: "2.1.0"}, 0},
		{"missing name and version", Descriptor{}, 2},
		{"bad name", Descriptor{Name: "Core!", Version: "1.0.0"}, 1},
		{"reserved name", Descriptor{Name: "aux", Version: "1.0.0", Dependencies: []ModuleName{"com1"}}, 2},
		{"bad version", Descriptor{Name: "core", Version: "one"}, 1},
		{"self dependency", Descriptor{Name: "core", Version: "1.0.0", Dependencies: []ModuleName{"core"}}, 1},
		{"duplicate dependency", Descriptor{Name: "ui", Version: "1.0.0", Dependencies: []ModuleName{"core", "core"}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.desc.Validate("kilnmod.toml")
			if tt.problems == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			var invalid *InvalidDescriptorError
			if !errors.As(err, &invalid) {
				t.Fatalf("Validate() error = %v, want *InvalidDescriptorError", err)
			}
			if len(invalid.Problems) != tt.problems {
				t.Errorf("problems = %v, want %d", invalid.Problems, tt.problems)
			}
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrDescriptorNotFound) {
		t.Errorf("Load() error = %v, want ErrDescriptorNotFound", err)
	}
}

func TestLoadValid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(audioDescriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := LoadValid(dir)
	if err != nil {
		t.Fatalf("LoadValid() error = %v", err)
	}
	if d.Name != "audio" {
		t.Errorf("Name = %q", d.Name)
	}
}

func TestVersion_Compare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b Version
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0-alpha", "1.0.0", -1},
	}
	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMissingMetadata(t *testing.T) {
	t.Parallel()

	d := Descriptor{Name: "chat"}
	if diff := cmp.Diff([]string{"version", "description"}, d.MissingMetadata()); diff != "" {
		t.Errorf("MissingMetadata() mismatch (-want +got):\n%s", diff)
	}
}
