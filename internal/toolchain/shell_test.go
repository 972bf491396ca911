// SPDX-License-Identifier: MPL-2.0

package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestShellRunner_RunScript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := writeScript(t, "echo \"installing $KILN_MODULE\"\necho done > marker.txt\n")

	res, err := (&ShellRunner{}).RunScript(context.Background(), script, dir, []string{"KILN_MODULE=audio"})
	if err != nil {
		t.Fatalf("RunScript() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "installing audio" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("hook did not run in dir: %v", err)
	}
}

func TestShellRunner_ExitStatus(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "echo failing >&2\nexit 4\n")
	res, err := (&ShellRunner{}).RunScript(context.Background(), script, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("RunScript() error = %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "failing" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestShellRunner_ParseError(t *testing.T) {
	t.Parallel()

	script := writeScript(t, "if then fi (\n")
	if _, err := (&ShellRunner{}).RunScript(context.Background(), script, t.TempDir(), nil); err == nil {
		t.Error("expected parse error")
	}
}
