// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"

	"github.com/stratabuild/strata/internal/dag"
	"github.com/stratabuild/strata/internal/fsutil"
)

// LockVersion is the lock format version written by this package.
const LockVersion = 1

var (
	// ErrInvalidLock is wrapped by lock parse failures.
	ErrInvalidLock = errors.New("invalid dependency lock")
	// ErrUnsupportedLockVersion is returned for locks written by a newer format.
	ErrUnsupportedLockVersion = errors.New("unsupported lock version")
)

type (
	// Lock pins the full transitive closure of a manifest.
	Lock struct {
		Version int `toml:"version"`
		// Manifest is the digest of the manifest the lock was resolved from.
		Manifest string          `toml:"manifest"`
		Packages []LockedPackage `toml:"package"`
	}

	// LockedPackage is one pinned package.
	LockedPackage struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
		// Digest is the content digest of the fetched package tree.
		Digest       string   `toml:"digest"`
		Dependencies []string `toml:"dependencies,omitempty"`
	}
)

// LoadLock reads a lock file. It returns nil and no error when the file
// does not exist.
func LoadLock(path string) (*Lock, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	return ParseLock(data, path)
}

// ParseLock decodes and validates lock content.
func ParseLock(data []byte, path string) (*Lock, error) {
	var l Lock
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&l); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidLock, path, err)
	}
	if l.Version != LockVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrUnsupportedLockVersion, path, l.Version)
	}
	seen := map[string]bool{}
	for _, p := range l.Packages {
		if p.Name == "" || p.Version == "" {
			return nil, fmt.Errorf("%w: %s: package entry without name or version", ErrInvalidLock, path)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: %s: duplicate package %s", ErrInvalidLock, path, p.Name)
		}
		seen[p.Name] = true
		if _, err := digest.Parse(p.Digest); err != nil {
			return nil, fmt.Errorf("%w: %s: package %s: %w", ErrInvalidLock, path, p.Name, err)
		}
	}
	l.normalize()
	if _, err := l.InstallOrder(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidLock, path, err)
	}
	return &l, nil
}

// InstallOrder returns the locked packages with every package after its
// dependencies. It fails when a dependency is not locked or the
// dependencies form a cycle.
func (l *Lock) InstallOrder() ([]LockedPackage, error) {
	byName := make(map[string]LockedPackage, len(l.Packages))
	g := dag.New[string]()
	for _, p := range l.Packages {
		byName[p.Name] = p
		g.Add(p.Name)
	}
	for _, p := range l.Packages {
		for _, dep := range p.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("package %s depends on %s, which is not locked", p.Name, dep)
			}
			g.Depend(p.Name, dep)
		}
	}
	names, err := g.Order()
	if err != nil {
		return nil, err
	}
	ordered := make([]LockedPackage, len(names))
	for i, name := range names {
		ordered[i] = byName[name]
	}
	return ordered, nil
}

func (l *Lock) normalize() {
	slices.SortFunc(l.Packages, func(a, b LockedPackage) int { return strings.Compare(a.Name, b.Name) })
	for i := range l.Packages {
		slices.Sort(l.Packages[i].Dependencies)
	}
}

// Marshal serializes the lock sorted by package name, so equal closures
// always produce identical bytes.
func (l *Lock) Marshal() ([]byte, error) {
	c := *l
	c.Packages = slices.Clone(l.Packages)
	c.normalize()
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(false)
	if err := enc.Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest is the digest of the serialized lock.
func (l *Lock) Digest() (digest.Digest, error) {
	data, err := l.Marshal()
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}

// Save writes the lock atomically.
func (l *Lock) Save(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode lock: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// Stale reports whether the lock was resolved from a different manifest.
func (l *Lock) Stale(m *Manifest) bool {
	return l.Manifest != m.Digest().String()
}

// Package returns the locked entry for name.
func (l *Lock) Package(name string) (LockedPackage, bool) {
	i, ok := slices.BinarySearchFunc(l.Packages, name, func(p LockedPackage, n string) int {
		return strings.Compare(p.Name, n)
	})
	if !ok {
		return LockedPackage{}, false
	}
	return l.Packages[i], true
}
