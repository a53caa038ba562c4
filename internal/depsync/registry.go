// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"

	"github.com/stratabuild/strata/internal/fsutil"
)

const (
	// releaseMetaFile describes a release inside a DirRegistry.
	releaseMetaFile = "requires.toml"
	// releasePayloadDir holds the files a release installs.
	releasePayloadDir = "files"
)

var (
	// ErrPackageNotFound is returned when a registry has no such package
	// or version.
	ErrPackageNotFound = errors.New("package not found in registry")
	// ErrDigestMismatch is returned when fetched content differs from the
	// digest pinned by the lock.
	ErrDigestMismatch = errors.New("package digest mismatch")
)

type (
	// Registry is the source packages are resolved against and fetched
	// from.
	Registry interface {
		// Versions lists the available versions of name, in any order.
		Versions(ctx context.Context, name string) ([]*semver.Version, error)
		// Release describes one version: its requirements, executables
		// and content digest.
		Release(ctx context.Context, name string, version *semver.Version) (*Release, error)
		// Fetch writes the release's payload into dst, which does not
		// exist yet.
		Fetch(ctx context.Context, name string, version *semver.Version, dst string) error
	}

	// Release is one published version of a package.
	Release struct {
		Name    string
		Version *semver.Version
		// Requires maps dependency names to semver constraints.
		Requires map[string]string
		// Bin lists payload-relative executables linked into the
		// environment's bin directory.
		Bin    []string
		Digest digest.Digest
	}

	// DirRegistry serves packages from <root>/<name>/<version>/, each
	// holding an optional requires.toml and a files/ payload.
	DirRegistry struct {
		root string
	}

	releaseMeta struct {
		Requires map[string]string `toml:"requires"`
		Bin      []string          `toml:"bin"`
	}
)

// NewDirRegistry returns a registry rooted at root.
func NewDirRegistry(root string) *DirRegistry {
	return &DirRegistry{root: root}
}

func (r *DirRegistry) Versions(ctx context.Context, name string) ([]*semver.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
		}
		return nil, err
	}
	var versions []*semver.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (r *DirRegistry) Release(ctx context.Context, name string, version *semver.Version) (*Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := r.releaseDir(name, version)
	if err != nil {
		return nil, err
	}

	var meta releaseMeta
	data, err := os.ReadFile(filepath.Join(dir, releaseMetaFile))
	switch {
	case err == nil:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&meta); err != nil {
			return nil, fmt.Errorf("%s %s: %s: %w", name, version, releaseMetaFile, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	dg, err := fsutil.TreeDigest(filepath.Join(dir, releasePayloadDir), nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, version, err)
	}

	requires := make(map[string]string, len(meta.Requires))
	for dep, c := range meta.Requires {
		requires[NormalizeName(dep)] = c
	}
	bin := slices.Clone(meta.Bin)
	slices.Sort(bin)
	return &Release{Name: name, Version: version, Requires: requires, Bin: bin, Digest: dg}, nil
}

func (r *DirRegistry) Fetch(ctx context.Context, name string, version *semver.Version, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := r.releaseDir(name, version)
	if err != nil {
		return err
	}
	payload := filepath.Join(dir, releasePayloadDir)
	if _, err := os.Stat(payload); errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dst, 0o755)
	}
	return fsutil.CopyTree(payload, dst, nil)
}

// releaseDir finds the directory of version, whose name may spell the
// version differently ("1.0" for 1.0.0).
func (r *DirRegistry) releaseDir(name string, version *semver.Version) (string, error) {
	if orig := version.Original(); orig != "" {
		p := filepath.Join(r.root, name, orig)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
	}
	entries, err := os.ReadDir(filepath.Join(r.root, name))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	for _, e := range entries {
		if v, err := semver.NewVersion(e.Name()); err == nil && v.Equal(version) {
			return filepath.Join(r.root, name, e.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: %s %s", ErrPackageNotFound, name, version)
}
