// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kilnbuild/kiln/internal/dag"
	"github.com/kilnbuild/kiln/internal/pipeline"

	"github.com/hashicorp/go-multierror"
)

// UninstallResult describes a completed removal.
type UninstallResult struct {
	Record *Record
	// ForcedOver lists dependents that were left installed because force was set.
	ForcedOver []string
	Removed    int
	Warnings   []string
}

// Uninstall removes an installed module. Without force it refuses while
// other installed modules depend on it and removes nothing. The record is
// deleted only when every manifest path was removed, so a failed removal
// can be retried.
func (r *Registry) Uninstall(ctx context.Context, name string, force bool) (*UninstallResult, error) {
	res := &UninstallResult{}
	err := r.update(func(doc *Document) error {
		rec, ok := doc.Modules[name]
		if !ok {
			return &NotInstalledError{Module: name}
		}
		res.Record = rec

		if dependents := doc.Dependents(name); len(dependents) > 0 {
			if !force {
				return &BlockedByDependentsError{Module: name, Dependents: dependents}
			}
			res.ForcedOver = dependents
			r.logger().Warn("removing module with installed dependents", "module", name, "dependents", dependents)
		}

		for _, script := range rec.Files.Scripts {
			if w := r.runHook(ctx, "pre-uninstall", script, rec); w != "" {
				res.Warnings = append(res.Warnings, w)
			}
		}

		owners := doc.owners(name)
		var errs *multierror.Error
		for _, p := range rec.Files.All() {
			if owner, ok := owners[p]; ok {
				r.logger().Warn("keeping file recorded for another module", "path", p, "owner", owner)
				continue
			}
			err := os.RemoveAll(p)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = multierror.Append(errs, err)
				continue
			}
			res.Removed++
			r.pruneEmptyParents(p)
		}
		if err := errs.ErrorOrNil(); err != nil {
			return fmt.Errorf("failed to remove files of %q: %w", name, err)
		}

		delete(doc.Modules, name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger().Info("module uninstalled", "module", name, "version", res.Record.Version, "files", res.Removed)
	return res, nil
}

// UninstallAll removes every installed module, dependents before their
// dependencies. A failing module does not stop the batch.
func (r *Registry) UninstallAll(ctx context.Context) (*pipeline.BatchResult, error) {
	doc, err := r.Load()
	if err != nil {
		return nil, err
	}
	order, err := removalOrder(doc)
	if err != nil {
		return nil, err
	}

	res := pipeline.RunBatch(order, pipeline.ContinueOnFailure, func(name string) error {
		// Dependents were removed first; force only matters for cycles.
		_, err := r.Uninstall(ctx, name, true)
		return err
	})
	r.logger().Info("uninstall-all finished", "summary", res.Summary())
	return res, nil
}

// removalOrder schedules the installed modules by their dependencies among
// each other and reverses the result.
func removalOrder(doc *Document) ([]string, error) {
	names := doc.Names()
	deps := make(map[string][]string, len(names))
	for _, n := range names {
		for _, d := range doc.Modules[n].Dependencies {
			if _, ok := doc.Modules[d]; ok && d != n {
				deps[n] = append(deps[n], d)
			}
		}
	}
	sched, err := dag.FromDependencies(names, deps).Schedule(names, dag.ScheduleOptions{})
	if err != nil {
		return nil, err
	}
	order := slices.Clone(sched.Order)
	slices.Reverse(order)
	return order, nil
}

// pruneEmptyParents removes the directories above p that became empty,
// stopping at the layout roots.
func (r *Registry) pruneEmptyParents(p string) {
	roots := r.managedRoots()
	for dir := filepath.Dir(p); !slices.Contains(roots, dir); dir = filepath.Dir(dir) {
		rel, err := filepath.Rel(r.Prefix, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
