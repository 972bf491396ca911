// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/internal/testutil/moduletest"
	"github.com/kilnbuild/kiln/internal/toolchain"
	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

func TestVersion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, `{"version": "3.2.0", "enable_optimizations": false}`)
	env.invoker.handle = func(inv toolchain.Invocation) *toolchain.Result {
		switch {
		case inv.Tool == "git" && strings.Contains(strings.Join(inv.Args, " "), "abbrev-ref"):
			return &toolchain.Result{Stdout: "release/3.2\n"}
		case inv.Tool == "git":
			return &toolchain.Result{Stdout: "9e1c0ffee\n"}
		case inv.Tool == "qmake":
			return &toolchain.Result{Stdout: "6.5.3\n"}
		default:
			return &toolchain.Result{ExitCode: 1}
		}
	}
	env.mustRun("module", "install", moduletest.New("audio", moduletest.WithVersion("1.4.0")).Pack(t, t.TempDir()))

	out := env.mustRun("version")
	for _, want := range []string{"3.2.0", "release/3.2 @ 9e1c0ffee", "6.5.3", "audio", "1.4.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}

	env.mustRun("version", "-o", "json")
	var got map[string]any
	if err := json.Unmarshal(env.stdout.Bytes(), &got); err != nil {
		t.Fatalf("version -o json: %v\n%s", err, env.stdout.String())
	}
	if got["project"] != "3.2.0" || got["git_commit"] != "9e1c0ffee" {
		t.Errorf("json = %v", got)
	}
	if tc, _ := got["toolchain"].(map[string]any); tc["cmake"] != "unknown" {
		t.Errorf("toolchain = %v", got["toolchain"])
	}
}

func TestVersionCheck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, `{"version": "2.1.0"}`)

	if out := env.mustRun("version", "check", "2.4.0"); !strings.Contains(out, "2.1.0 -> 2.4.0 is compatible") {
		t.Errorf("minor upgrade output:\n%s", out)
	}
	if out := env.mustRun("version", "check", "3.0.0"); !strings.Contains(out, "after migration") {
		t.Errorf("major upgrade output:\n%s", out)
	}

	env.mustFail("version", "check", "1.9.0")
	if !strings.Contains(env.stdout.String(), "not compatible") {
		t.Errorf("major downgrade output:\n%s", env.stdout.String())
	}
	env.mustFail("version", "check", "--min-supported", "2.2.0", "2.1.5")

	env.mustRun("module", "install", moduletest.New("audio", moduletest.WithVersion("4.0.0")).Pack(t, t.TempDir()))
	env.mustRun("version", "check", "--module", "audio", "-o", "json", "4.2.0")
	var compat kilnmod.Compatibility
	if err := json.Unmarshal(env.stdout.Bytes(), &compat); err != nil {
		t.Fatal(err)
	}
	if compat.Current != "4.0.0" || !compat.Compatible {
		t.Errorf("compat = %+v", compat)
	}

	if stderr := env.mustFail("version", "check", "--module", "ghost", "1.0.0"); !strings.Contains(stderr, "kiln module list") {
		t.Errorf("stderr:\n%s", stderr)
	}
}
