// SPDX-License-Identifier: MPL-2.0

package kilnmod

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
)

// DescriptorFile is the descriptor file name expected at a package root.
const DescriptorFile = "kilnmod.toml"

var (
	// ErrDescriptorNotFound is returned when a package has no kilnmod.toml.
	ErrDescriptorNotFound = errors.New("kilnmod.toml not found")
	// ErrInvalidDescriptor is the sentinel wrapped by InvalidDescriptorError.
	ErrInvalidDescriptor = errors.New("invalid module descriptor")
	// ErrInvalidVersion is the sentinel wrapped by InvalidVersionError.
	ErrInvalidVersion = errors.New("invalid module version")

	moduleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

type (
	// ModuleName identifies a module across configuration, packages and the registry.
	ModuleName string

	// Version is a semantic version string such as "2.1.0".
	Version string

	// InvalidVersionError is returned when a Version does not parse as semver.
	InvalidVersionError struct {
		Value Version
		Cause error
	}

	// InvalidDescriptorError collects every problem found in a descriptor.
	InvalidDescriptorError struct {
		Path     string
		Problems []string
	}

	// Capabilities is the declared capability table of a module.
	Capabilities struct {
		// Type is the module category (for example "audio" or "network").
		Type string `toml:"type" json:"type"`
		// Interfaces lists the plugin interfaces the module implements.
		Interfaces []string `toml:"interfaces" json:"interfaces"`
	}

	// Descriptor is the parsed content of kilnmod.toml.
	Descriptor struct {
		Name         ModuleName   `toml:"name" json:"name"`
		Version      Version      `toml:"version" json:"version"`
		Description  string       `toml:"description" json:"description"`
		Dependencies []ModuleName `toml:"dependencies" json:"dependencies"`
		Capabilities Capabilities `toml:"capabilities" json:"capabilities"`
	}
)

// String returns the module name.
func (n ModuleName) String() string { return string(n) }

// Validate reports whether the name is a lowercase identifier.
func (n ModuleName) Validate() error {
	if !moduleNamePattern.MatchString(string(n)) {
		return fmt.Errorf("invalid module name %q: must match %s", n, moduleNamePattern)
	}
	if reservedNames[strings.ToUpper(string(n))] {
		return fmt.Errorf("invalid module name %q: reserved file name on Windows", n)
	}
	return nil
}

// reservedNames cannot be used as file names on Windows. Module names become
// header directories and descriptor file names, so they are rejected everywhere.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"COM5": true, "COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true,
	"LPT5": true, "LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// String returns the version string.
func (v Version) String() string { return string(v) }

// Parse returns the semver form of v.
func (v Version) Parse() (*semver.Version, error) {
	sv, err := semver.NewVersion(string(v))
	if err != nil {
		return nil, &InvalidVersionError{Value: v, Cause: err}
	}
	return sv, nil
}

// Compare returns -1, 0 or 1 depending on whether v is older than, equal to
// or newer than other. Unparsable versions compare by string.
func (v Version) Compare(other Version) int {
	a, errA := v.Parse()
	b, errB := other.Parse()
	if errA != nil || errB != nil {
		switch {
		case v < other:
			return -1
		case v > other:
			return 1
		default:
			return 0
		}
	}
	return a.Compare(b)
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid module version %q: %v", e.Value, e.Cause)
}

// Unwrap returns ErrInvalidVersion for errors.Is compatibility.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

func (e *InvalidDescriptorError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid module descriptor %s: %s", e.Path, e.Problems[0])
	}
	return fmt.Sprintf("invalid module descriptor %s: %d problems (first: %s)", e.Path, len(e.Problems), e.Problems[0])
}

// Unwrap returns ErrInvalidDescriptor for errors.Is compatibility.
func (e *InvalidDescriptorError) Unwrap() error { return ErrInvalidDescriptor }

// Parse decodes descriptor content. It does not validate field values; call
// Validate for that.
func Parse(data []byte, path string) (*Descriptor, error) {
	var d Descriptor
	if err := toml.Unmarshal(data, &d); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, &InvalidDescriptorError{Path: path, Problems: []string{fmt.Sprintf("line %d column %d: %s", row, col, derr.Error())}}
		}
		return nil, &InvalidDescriptorError{Path: path, Problems: []string{err.Error()}}
	}
	return &d, nil
}

// Load reads and parses the descriptor at the root of dir.
func Load(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, DescriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrDescriptorNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	return Parse(data, path)
}

// LoadValid reads the descriptor in dir and validates it.
func LoadValid(dir string) (*Descriptor, error) {
	d, err := Load(dir)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(filepath.Join(dir, DescriptorFile)); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the descriptor fields. path is used for error reporting only.
func (d *Descriptor) Validate(path string) error {
	var problems []string
	if d.Name == "" {
		problems = append(problems, "name is required")
	} else if err := d.Name.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if d.Version == "" {
		problems = append(problems, "version is required")
	} else if _, err := d.Version.Parse(); err != nil {
		problems = append(problems, err.Error())
	}
	seen := make(map[ModuleName]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		switch {
		case dep == d.Name:
			problems = append(problems, fmt.Sprintf("module %q cannot depend on itself", dep))
		case seen[dep]:
			problems = append(problems, fmt.Sprintf("dependency %q listed more than once", dep))
		default:
			if err := dep.Validate(); err != nil {
				problems = append(problems, err.Error())
			}
		}
		seen[dep] = true
	}
	if len(problems) > 0 {
		return &InvalidDescriptorError{Path: path, Problems: problems}
	}
	return nil
}

// MissingMetadata lists the descriptive fields that are empty. Package
// verification reports these as warnings rather than failures.
func (d *Descriptor) MissingMetadata() []string {
	var missing []string
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.Version == "" {
		missing = append(missing, "version")
	}
	if d.Description == "" {
		missing = append(missing, "description")
	}
	return missing
}

// DependsOn reports whether the descriptor lists name as a dependency.
func (d *Descriptor) DependsOn(name ModuleName) bool {
	return slices.Contains(d.Dependencies, name)
}

// Marshal encodes the descriptor as TOML.
func (d *Descriptor) Marshal() ([]byte, error) {
	return toml.Marshal(d)
}
