// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// maxResolveSteps bounds backtracking on pathological graphs.
const maxResolveSteps = 100_000

// RequiredByManifest marks constraints declared directly by the manifest.
const RequiredByManifest = "manifest"

// ErrDependencyResolution is wrapped by DependencyResolutionError.
var ErrDependencyResolution = errors.New("dependency resolution failed")

type (
	// DependencyResolutionError reports a requirement set no combination
	// of available versions satisfies.
	DependencyResolutionError struct {
		Conflicts []Conflict
		// Err is set when resolution stopped for a reason other than a
		// conflict, such as a registry failure.
		Err error
	}

	// Conflict is a package whose accumulated constraints no available
	// version meets.
	Conflict struct {
		Package     string
		Constraints []Constraint
	}

	// Constraint is one requirement on a package and who imposed it.
	Constraint struct {
		From       string
		Constraint string
	}

	// Resolver picks versions deterministically: packages in name order,
	// candidates highest first, backtracking on conflict.
	Resolver struct {
		registry Registry
		versions map[string][]*semver.Version
		releases map[string]*Release
		steps    int
	}

	resolveState struct {
		selected    map[string]*Release
		constraints map[string][]Constraint
	}
)

func (e *DependencyResolutionError) Error() string {
	if e.Err != nil && len(e.Conflicts) == 0 {
		return fmt.Sprintf("dependency resolution failed: %v", e.Err)
	}
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return "dependency resolution failed: no versions satisfy " + strings.Join(parts, "; ")
}

func (e *DependencyResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDependencyResolution, e.Err}
	}
	return []error{ErrDependencyResolution}
}

func (c Conflict) String() string {
	parts := make([]string, len(c.Constraints))
	for i, k := range c.Constraints {
		parts[i] = fmt.Sprintf("%s (from %s)", k.Constraint, k.From)
	}
	return c.Package + " " + strings.Join(parts, ", ")
}

// NewResolver creates a resolver over registry.
func NewResolver(registry Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve computes the lock for m. Identical manifests and registry
// contents always produce identical locks.
func (r *Resolver) Resolve(ctx context.Context, m *Manifest) (*Lock, error) {
	r.versions = map[string][]*semver.Version{}
	r.releases = map[string]*Release{}
	r.steps = 0

	st := resolveState{selected: map[string]*Release{}, constraints: map[string][]Constraint{}}
	for _, req := range m.Requirements {
		st.constraints[req.Name] = append(st.constraints[req.Name], Constraint{From: RequiredByManifest, Constraint: req.Constraint})
	}

	selected, conflict, err := r.solve(ctx, st)
	if err != nil {
		return nil, &DependencyResolutionError{Err: err}
	}
	if conflict != nil {
		return nil, &DependencyResolutionError{Conflicts: []Conflict{*conflict}}
	}

	lock := &Lock{Version: LockVersion, Manifest: m.Digest().String()}
	for _, name := range slices.Sorted(maps.Keys(selected)) {
		rel := selected[name]
		lock.Packages = append(lock.Packages, LockedPackage{
			Name:         name,
			Version:      rel.Version.String(),
			Digest:       rel.Digest.String(),
			Dependencies: slices.Sorted(maps.Keys(rel.Requires)),
		})
	}
	lock.normalize()
	if _, err := lock.InstallOrder(); err != nil {
		return nil, &DependencyResolutionError{Err: err}
	}
	return lock, nil
}

// solve returns the selection, or the conflict that exhausted the last
// branch, or a hard error.
func (r *Resolver) solve(ctx context.Context, st resolveState) (map[string]*Release, *Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	r.steps++
	if r.steps > maxResolveSteps {
		return nil, nil, fmt.Errorf("gave up after %d resolution steps", maxResolveSteps)
	}

	next := ""
	for _, name := range slices.Sorted(maps.Keys(st.constraints)) {
		if _, ok := st.selected[name]; !ok {
			next = name
			break
		}
	}
	if next == "" {
		return st.selected, nil, nil
	}

	candidates, err := r.candidates(ctx, next, st.constraints[next])
	if err != nil {
		return nil, nil, err
	}
	conflict := &Conflict{Package: next, Constraints: slices.Clone(st.constraints[next])}

	for _, v := range candidates {
		rel, err := r.release(ctx, next, v)
		if err != nil {
			return nil, nil, err
		}

		child := resolveState{
			selected:    maps.Clone(st.selected),
			constraints: maps.Clone(st.constraints),
		}
		child.selected[next] = rel
		from := next + " " + rel.Version.String()
		ok := true
		for _, dep := range slices.Sorted(maps.Keys(rel.Requires)) {
			c := Constraint{From: from, Constraint: rel.Requires[dep]}
			child.constraints[dep] = append(slices.Clone(child.constraints[dep]), c)
			if picked, done := child.selected[dep]; done && !satisfies(picked.Version, child.constraints[dep]) {
				conflict = &Conflict{Package: dep, Constraints: child.constraints[dep]}
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		selected, sub, err := r.solve(ctx, child)
		if err != nil {
			return nil, nil, err
		}
		if sub == nil {
			return selected, nil, nil
		}
		conflict = sub
	}
	return nil, conflict, nil
}

// candidates returns the versions of name meeting every constraint,
// highest first.
func (r *Resolver) candidates(ctx context.Context, name string, cs []Constraint) ([]*semver.Version, error) {
	versions, ok := r.versions[name]
	if !ok {
		var err error
		versions, err = r.registry.Versions(ctx, name)
		if err != nil {
			if errors.Is(err, ErrPackageNotFound) {
				versions = nil
			} else {
				return nil, err
			}
		}
		versions = slices.Clone(versions)
		slices.SortFunc(versions, func(a, b *semver.Version) int { return b.Compare(a) })
		r.versions[name] = versions
	}

	var out []*semver.Version
	for _, v := range versions {
		if satisfies(v, cs) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Resolver) release(ctx context.Context, name string, v *semver.Version) (*Release, error) {
	key := name + "@" + v.String()
	if rel, ok := r.releases[key]; ok {
		return rel, nil
	}
	rel, err := r.registry.Release(ctx, name, v)
	if err != nil {
		return nil, err
	}
	r.releases[key] = rel
	return rel, nil
}

func satisfies(v *semver.Version, cs []Constraint) bool {
	for _, c := range cs {
		parsed, err := semver.NewConstraint(c.Constraint)
		if err != nil || !parsed.Check(v) {
			return false
		}
	}
	return true
}
