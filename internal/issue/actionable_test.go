// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		expected string
	}{
		{
			name:     "operation only",
			err:      &ActionableError{Operation: "install module"},
			expected: "failed to install module",
		},
		{
			name:     "operation with resource",
			err:      &ActionableError{Operation: "install module", Resource: "audio-1.2.0.tar.gz"},
			expected: "failed to install module: audio-1.2.0.tar.gz",
		},
		{
			name: "full context",
			err: &ActionableError{
				Operation: "load registry",
				Resource:  "/usr/local/share/kiln/modules/registry.json",
				Cause:     errors.New("unexpected end of JSON input"),
			},
			expected: "failed to load registry: /usr/local/share/kiln/modules/registry.json: unexpected end of JSON input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestActionableError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := &ActionableError{Operation: "test", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if (&ActionableError{Operation: "test"}).Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		verbose  bool
		contains []string
		excludes []string
	}{
		{
			name: "suggestions",
			err: &ActionableError{
				Operation:   "uninstall module",
				Resource:    "network",
				Suggestions: []string{"Uninstall chat first", "Pass --force"},
			},
			contains: []string{"failed to uninstall module: network", "• Uninstall chat first", "• Pass --force"},
		},
		{
			name: "no chain when not verbose",
			err: &ActionableError{
				Operation: "parse config",
				Cause:     errors.New("syntax error"),
			},
			contains: []string{"failed to parse config: syntax error"},
			excludes: []string{"Error chain:"},
		},
		{
			name: "nested chain when verbose",
			err: &ActionableError{
				Operation: "run pipeline",
				Cause: &ActionableError{
					Operation: "build module",
					Cause:     errors.New("exit status 2"),
				},
			},
			verbose: true,
			contains: []string{
				"Error chain:",
				"1. failed to build module: exit status 2",
				"2. exit status 2",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.err.Format(tt.verbose)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("Format() missing %q\ngot:\n%s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("Format() should not contain %q\ngot:\n%s", s, got)
				}
			}
		})
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	err := NewErrorContext().
		WithOperation("verify package").
		WithResource("audio-1.2.0.tar.gz").
		WithSuggestion("Rebuild the package").
		WithIssue(PackageIntegrityId).
		Wrap(errors.New("digest mismatch")).
		Build()

	if err == nil {
		t.Fatal("Build() returned nil")
	}
	if err.Issue != PackageIntegrityId {
		t.Errorf("Issue = %d, want %d", err.Issue, PackageIntegrityId)
	}
	if !err.HasSuggestions() {
		t.Error("expected suggestions")
	}

	if NewErrorContext().WithResource("x").Build() != nil {
		t.Error("Build() without operation should return nil")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without operation should return a nil interface")
	}
}

func TestErrorContext_BuildError(t *testing.T) {
	t.Parallel()

	err := NewErrorContext().WithOperation("test").BuildError()
	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatal("BuildError() should return *ActionableError")
	}
}

func TestWrapWithContext(t *testing.T) {
	t.Parallel()

	cause := errors.New("original error")
	err := WrapWithContext(cause, "load file", "/path/to/file")
	if err.Operation != "load file" || err.Resource != "/path/to/file" {
		t.Errorf("unexpected error: %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Cause should be the original error")
	}
	if WrapWithContext(nil, "test", "resource") != nil {
		t.Error("WrapWithContext(nil) should return nil")
	}
}
