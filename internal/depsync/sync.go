// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/fsutil"
)

const (
	// MarkerFile records what a dependency environment was built from.
	MarkerFile = "strata-env.toml"
	// LibDir holds one directory per installed package.
	LibDir = "lib"
	// BinDir holds links to package executables.
	BinDir = "bin"
)

// Epoch is the modification time of every entry in a synchronized tree.
var Epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type (
	// Synchronizer materializes locked dependencies into an environment
	// directory.
	Synchronizer struct {
		registry Registry
		resolver *Resolver
	}

	// Request names the inputs and the target of a sync.
	Request struct {
		// ManifestPath may be empty for an application without dependencies.
		ManifestPath string
		// LockPath is read when present and written after a fresh resolve.
		LockPath string
		// EnvDir is the isolated environment directory.
		EnvDir string
	}

	// Result summarizes a sync.
	Result struct {
		// Fetched counts packages retrieved from the registry.
		Fetched int
		// Satisfied is true when the environment already matched the lock.
		Satisfied bool
		// LockWritten is true when a freshly resolved lock was persisted.
		LockWritten bool
		// TreeDigest digests the environment, marker excluded.
		TreeDigest digest.Digest
		LockDigest digest.Digest
	}

	marker struct {
		Lock string `toml:"lock"`
		Tree string `toml:"tree"`
	}
)

// NewSynchronizer creates a synchronizer fetching from registry.
func NewSynchronizer(registry Registry) *Synchronizer {
	return &Synchronizer{registry: registry, resolver: NewResolver(registry)}
}

// Sync brings req.EnvDir in line with the lock, resolving one first when
// none exists. On any error the environment directory and the lock file
// are left exactly as they were.
func (s *Synchronizer) Sync(ctx context.Context, req Request) (*Result, error) {
	logger := slogctx.FromCtx(ctx)

	manifest, err := LoadManifest(req.ManifestPath)
	if err != nil {
		return nil, err
	}
	lock, err := LoadLock(req.LockPath)
	if err != nil {
		return nil, err
	}

	fresh := lock == nil
	if fresh {
		logger.InfoContext(ctx, "resolving dependencies", slog.Int("requirements", len(manifest.Requirements)))
		if lock, err = s.resolver.Resolve(ctx, manifest); err != nil {
			return nil, err
		}
	} else if lock.Stale(manifest) {
		logger.WarnContext(ctx, "lock was resolved from a different manifest; installing it as pinned",
			slog.String("lock", req.LockPath))
	}

	lockDigest, err := lock.Digest()
	if err != nil {
		return nil, err
	}

	if tree, ok := s.satisfied(req.EnvDir, lockDigest); ok {
		logger.DebugContext(ctx, "dependency environment already satisfied")
		res := &Result{Satisfied: true, TreeDigest: tree, LockDigest: lockDigest}
		if fresh && req.LockPath != "" {
			if err := lock.Save(req.LockPath); err != nil {
				return nil, fmt.Errorf("failed to persist lock: %w", err)
			}
			res.LockWritten = true
		}
		return res, nil
	}

	res := &Result{LockDigest: lockDigest}
	staging, err := s.stage(ctx, lock, req.EnvDir, res)
	if staging != "" {
		defer func() { _ = os.RemoveAll(staging) }() // no-op once swapped in
	}
	if err != nil {
		return nil, err
	}

	var txn fsutil.Txn
	if err := txn.Replace(staging, req.EnvDir); err != nil {
		return nil, errors.Join(err, txn.Rollback())
	}
	if fresh && req.LockPath != "" {
		if err := lock.Save(req.LockPath); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to persist lock: %w", err), txn.Rollback())
		}
		res.LockWritten = true
	}
	if err := txn.Commit(); err != nil {
		logger.WarnContext(ctx, "failed to remove previous dependency environment", slog.Any("error", err))
	}

	logger.InfoContext(ctx, "dependencies synchronized",
		slog.Int("packages", len(lock.Packages)), slog.Int("fetched", res.Fetched))
	return res, nil
}

// Lock resolves the manifest and writes the lock without touching any
// environment.
func (s *Synchronizer) Lock(ctx context.Context, manifestPath, lockPath string) (*Lock, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	lock, err := s.resolver.Resolve(ctx, manifest)
	if err != nil {
		return nil, err
	}
	if err := lock.Save(lockPath); err != nil {
		return nil, fmt.Errorf("failed to persist lock: %w", err)
	}
	return lock, nil
}

// satisfied checks the marker of an existing environment against the lock
// and the tree on disk.
func (s *Synchronizer) satisfied(envDir string, lockDigest digest.Digest) (digest.Digest, bool) {
	data, err := os.ReadFile(filepath.Join(envDir, MarkerFile))
	if err != nil {
		return "", false
	}
	var m marker
	if err := toml.Unmarshal(data, &m); err != nil || m.Lock != lockDigest.String() {
		return "", false
	}
	tree, err := EnvTreeDigest(envDir)
	if err != nil || tree.String() != m.Tree {
		return "", false
	}
	return tree, true
}

// stage assembles the environment for lock in a sibling staging directory
// and returns its path, which is non-empty whenever it was created.
func (s *Synchronizer) stage(ctx context.Context, lock *Lock, envDir string, res *Result) (string, error) {
	parent, base := filepath.Split(filepath.Clean(envDir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	staging, err := os.MkdirTemp(parent, "."+base+".staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	for _, dir := range []string{LibDir, BinDir} {
		if err := os.Mkdir(filepath.Join(staging, dir), 0o755); err != nil {
			return staging, err
		}
	}

	ordered, err := lock.InstallOrder()
	if err != nil {
		return staging, err
	}
	for _, p := range ordered {
		if err := s.install(ctx, p, staging); err != nil {
			return staging, err
		}
		res.Fetched++
	}

	if err := os.Chmod(staging, 0o755); err != nil {
		return staging, err
	}
	if err := fsutil.NormalizeTimes(staging, Epoch); err != nil {
		return staging, err
	}
	tree, err := EnvTreeDigest(staging)
	if err != nil {
		return staging, err
	}
	res.TreeDigest = tree

	lockDigest := res.LockDigest
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(marker{Lock: lockDigest.String(), Tree: tree.String()}); err != nil {
		return staging, err
	}
	markerPath := filepath.Join(staging, MarkerFile)
	if err := os.WriteFile(markerPath, buf.Bytes(), 0o644); err != nil {
		return staging, err
	}
	if err := os.Chtimes(markerPath, Epoch, Epoch); err != nil {
		return staging, err
	}
	return staging, os.Chtimes(staging, Epoch, Epoch)
}

func (s *Synchronizer) install(ctx context.Context, p LockedPackage, staging string) error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("locked package %s: %w", p.Name, err)
	}
	dst := filepath.Join(staging, LibDir, p.Name)
	if err := s.registry.Fetch(ctx, p.Name, v, dst); err != nil {
		return fmt.Errorf("failed to fetch %s %s: %w", p.Name, p.Version, err)
	}

	got, err := fsutil.TreeDigest(dst, nil)
	if err != nil {
		return err
	}
	if got.String() != p.Digest {
		return fmt.Errorf("%w: %s %s: lock has %s, fetched %s", ErrDigestMismatch, p.Name, p.Version, p.Digest, got)
	}

	rel, err := s.registry.Release(ctx, p.Name, v)
	if err != nil {
		return err
	}
	for _, bin := range rel.Bin {
		link := filepath.Join(staging, BinDir, path.Base(bin))
		target := path.Join("..", LibDir, p.Name, bin)
		if err := os.Symlink(target, link); err != nil {
			return fmt.Errorf("failed to link %s: %w", bin, err)
		}
	}
	return nil
}

// EnvTreeDigest digests an environment directory without its marker.
func EnvTreeDigest(envDir string) (digest.Digest, error) {
	return fsutil.TreeDigest(envDir, func(rel string, _ fs.DirEntry) bool {
		return rel == MarkerFile
	})
}
