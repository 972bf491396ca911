// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// VerifyResult reports leftovers of a module that should be uninstalled.
type VerifyResult struct {
	Module     string   `json:"module"`
	InRegistry bool     `json:"in_registry"`
	Remaining  []string `json:"remaining,omitempty"`
}

// Clean reports whether no trace of the module remains.
func (v *VerifyResult) Clean() bool {
	return !v.InRegistry && len(v.Remaining) == 0
}

// VerifyRemoval checks that name has no record and that none of its layout
// paths exist. A leftover record also has its manifest checked. Paths that
// another installed module owns are never reported. Findings are reported,
// never corrected.
func (r *Registry) VerifyRemoval(name string) (*VerifyResult, error) {
	doc, err := r.Load()
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{Module: name}

	candidates := []string{
		r.headersDir(name),
		r.configPath(name),
		r.resourcesDir(name),
		r.preUninstallPath(name),
	}
	if rec, ok := doc.Modules[name]; ok {
		res.InRegistry = true
		candidates = append(candidates, rec.Files.All()...)
	}
	// libname.so, libname.so.1 and similar. Module names never contain a
	// dot, so this cannot match the library of another module.
	if matches, err := doublestar.Glob(os.DirFS(r.libDir()), "lib"+name+".*"); err == nil {
		for _, m := range matches {
			candidates = append(candidates, filepath.Join(r.libDir(), m))
		}
	}

	owners := doc.owners(name)
	for _, p := range candidates {
		if _, owned := owners[p]; owned {
			continue
		}
		if fileExists(p) && !slices.Contains(res.Remaining, p) {
			res.Remaining = append(res.Remaining, p)
		}
	}
	slices.Sort(res.Remaining)
	return res, nil
}
