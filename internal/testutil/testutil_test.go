// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func homeVar() string {
	if runtime.GOOS == "windows" {
		return "USERPROFILE"
	}
	return "HOME"
}

func TestSetHomeDir_RestoresOriginal(t *testing.T) {
	dir := t.TempDir()
	original, had := os.LookupEnv(homeVar())

	cleanup := SetHomeDir(t, dir)
	if got := os.Getenv(homeVar()); got != dir {
		t.Errorf("%s = %q, want %q", homeVar(), got, dir)
	}
	cleanup()

	got, has := os.LookupEnv(homeVar())
	if has != had || got != original {
		t.Errorf("after cleanup %s = %q (set=%v), want %q (set=%v)", homeVar(), got, has, original, had)
	}
}

func TestMustUnsetenv(t *testing.T) {
	const key = "KILN_TESTUTIL_PROBE"
	t.Cleanup(MustSetenv(t, key, "before"))

	restore := MustUnsetenv(t, key)
	if _, ok := os.LookupEnv(key); ok {
		t.Fatalf("%s still set", key)
	}
	restore()
	if got := os.Getenv(key); got != "before" {
		t.Errorf("%s = %q after restore, want %q", key, got, "before")
	}
}

func TestMustWriteFile_CreatesParents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a", "b", "file.txt")
	MustWriteFile(t, path, "content")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q", data)
	}
}

func TestMustChdir(t *testing.T) {
	dir := t.TempDir()
	before, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	restore := MustChdir(t, dir)
	now, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if now != dir && now != resolved {
		t.Errorf("cwd = %q, want %q", now, dir)
	}
	restore()

	after, _ := os.Getwd()
	if after != before {
		t.Errorf("cwd after restore = %q, want %q", after, before)
	}
}
