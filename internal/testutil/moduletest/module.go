// SPDX-License-Identifier: MPL-2.0

package moduletest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnbuild/kiln/internal/archive"
	"github.com/kilnbuild/kiln/pkg/kilnmod"
)

type (
	// Option configures a test module.
	Option func(*Module)

	// Module describes a module tree to materialize in a test.
	Module struct {
		Descriptor kilnmod.Descriptor
		// Files maps slash-separated paths relative to the module root to content.
		Files map[string]string
		// NoDescriptor omits kilnmod.toml from the tree.
		NoDescriptor bool
	}
)

// New creates a module with a descriptor, one header, one source file, one
// library and one resource. By default the module:
//   - has version 1.0.0 and a description
//   - declares type "plugin" with no interfaces
//   - has no dependencies
func New(name string, opts ...Option) *Module {
	m := &Module{
		Descriptor: kilnmod.Descriptor{
			Name:         kilnmod.ModuleName(name),
			Version:      "1.0.0",
			Description:  name + " module",
			Capabilities: kilnmod.Capabilities{Type: "plugin"},
		},
		Files: map[string]string{
			"include/" + name + ".h":             "#pragma once\n",
			"src/" + name + ".cpp":               "int " + name + "_init() { return 0; }\n",
			"lib/lib" + name + ".so":             "ELF",
			"resources/sounds/" + name + ".json": "{}\n",
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithVersion sets the descriptor version.
func WithVersion(v string) Option {
	return func(m *Module) { m.Descriptor.Version = kilnmod.Version(v) }
}

// WithDependencies sets the descriptor dependencies.
func WithDependencies(deps ...string) Option {
	return func(m *Module) {
		m.Descriptor.Dependencies = nil
		for _, d := range deps {
			m.Descriptor.Dependencies = append(m.Descriptor.Dependencies, kilnmod.ModuleName(d))
		}
	}
}

// WithCapabilities sets the declared capability table.
func WithCapabilities(kind string, interfaces ...string) Option {
	return func(m *Module) {
		m.Descriptor.Capabilities = kilnmod.Capabilities{Type: kind, Interfaces: interfaces}
	}
}

// WithoutDescription clears the description so metadata checks warn.
func WithoutDescription() Option {
	return func(m *Module) { m.Descriptor.Description = "" }
}

// WithFile adds or replaces a file in the tree.
func WithFile(rel, content string) Option {
	return func(m *Module) { m.Files[rel] = content }
}

// WithoutFile removes a file from the tree.
func WithoutFile(rel string) Option {
	return func(m *Module) { delete(m.Files, rel) }
}

// WithPostInstall ships scripts/post_install.sh with the given body.
func WithPostInstall(body string) Option {
	return WithFile("scripts/post_install.sh", body)
}

// WithPreUninstall ships scripts/pre_uninstall.sh with the given body.
func WithPreUninstall(body string) Option {
	return WithFile("scripts/pre_uninstall.sh", body)
}

// WithoutDescriptor omits kilnmod.toml.
func WithoutDescriptor() Option {
	return func(m *Module) { m.NoDescriptor = true }
}

// Write materializes the module under parent/<name> and returns that path.
func (m *Module) Write(t testing.TB, parent string) string {
	t.Helper()
	root := filepath.Join(parent, string(m.Descriptor.Name))
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("failed to create module root: %v", err)
	}
	if !m.NoDescriptor {
		data, err := m.Descriptor.Marshal()
		if err != nil {
			t.Fatalf("failed to marshal descriptor: %v", err)
		}
		writeFile(t, filepath.Join(root, kilnmod.DescriptorFile), string(data))
	}
	for rel, content := range m.Files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}
	return root
}

// Pack writes the module into a scratch directory and archives it as
// outDir/<name>.tar.gz, returning the package path.
func (m *Module) Pack(t testing.TB, outDir string) string {
	t.Helper()
	src := m.Write(t, t.TempDir())
	pkg, err := archive.Create(src, filepath.Join(outDir, string(m.Descriptor.Name)+archive.Extension))
	if err != nil {
		t.Fatalf("failed to pack module: %v", err)
	}
	return pkg
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
