// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/pkg/buildfile"
)

// DefaultLockFilename is the lock written next to the manifest when no
// lock path is declared.
const DefaultLockFilename = "strata.lock"

type dependenciesStage struct {
	sync *depsync.Synchronizer
	// registry identifies the dependency source in the key.
	registry string
}

func (s *dependenciesStage) Name() StageName { return StageDependencies }

func (s *dependenciesStage) Phase() Phase { return PhaseDependenciesSynced }

// Key covers the manifest and lock bytes but never the source tree, so
// source edits leave the dependency environment alone.
func (s *dependenciesStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	manifestPath, lockPath := dependencyPaths(b)
	manifest, err := readOptional(manifestPath)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	lock, err := readOptional(lockPath)
	if err != nil {
		return "", fmt.Errorf("failed to read lock: %w", err)
	}
	return newKey(StageDependencies).
		field("manifest", string(manifest)).
		field("lock", string(lock)).
		field("env", path.Clean(b.Def.Workspace.Env)).
		field("registry", s.registry).
		digest(), nil
}

func (s *dependenciesStage) Verify(_ context.Context, b *Build, rec *Record) error {
	tree, err := depsync.EnvTreeDigest(b.HostPath(b.Def.Workspace.Env))
	if err != nil {
		return err
	}
	if tree.String() != rec.Digest {
		return fmt.Errorf("%w: dependency environment changed", ErrStageOutputMissing)
	}
	return nil
}

func (s *dependenciesStage) Run(ctx context.Context, b *Build) (*Record, error) {
	manifestPath, lockPath := dependencyPaths(b)
	env := path.Clean(b.Def.Workspace.Env)

	res, err := s.sync.Sync(ctx, depsync.Request{
		ManifestPath: manifestPath,
		LockPath:     lockPath,
		EnvDir:       b.HostPath(env),
	})
	if err != nil {
		return nil, err
	}
	if res.LockWritten {
		slogctx.FromCtx(ctx).InfoContext(ctx, "lock written", slog.String("path", lockPath))
	}

	// A freshly written lock is an input of the next build.
	key, err := s.Key(ctx, b)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:      key.String(),
		Digest:   res.TreeDigest.String(),
		Provides: []string{path.Join(env, depsync.BinDir)},
	}, nil
}

// DependencyPaths returns the host paths of def's manifest and lock. The
// manifest is empty for a definition without one.
func DependencyPaths(def *buildfile.Definition) (manifest, lock string) {
	deps := def.Dependencies
	if deps.Manifest == "" {
		return "", def.ResolvePath(deps.Lock)
	}
	manifest = def.ResolvePath(deps.Manifest)
	if deps.Lock != "" {
		return manifest, def.ResolvePath(deps.Lock)
	}
	return manifest, filepath.Join(filepath.Dir(manifest), DefaultLockFilename)
}

func dependencyPaths(b *Build) (manifest, lock string) {
	return DependencyPaths(b.Def)
}

func readOptional(p string) ([]byte, error) {
	if p == "" {
		return nil, nil
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
