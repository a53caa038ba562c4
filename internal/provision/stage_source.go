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
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/opencontainers/go-digest"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/fsutil"
)

// ErrSourceNotDirectory is returned when the source path is not a
// directory.
var ErrSourceNotDirectory = errors.New("source is not a directory")

type sourceStage struct{}

func (s *sourceStage) Name() StageName { return StageSource }

func (s *sourceStage) Phase() Phase { return PhaseSourceMaterialized }

func (s *sourceStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	src, err := sourceDir(b)
	if err != nil {
		return "", err
	}
	skip, err := sourceSkip(b)
	if err != nil {
		return "", err
	}
	tree, err := fsutil.TreeDigest(src, skip)
	if err != nil {
		return "", fmt.Errorf("failed to digest source: %w", err)
	}
	return newKey(StageSource).
		field("tree", tree.String()).
		field("destination", path.Clean(b.Def.Workspace.Root)).
		set("exclude", b.Def.Source.Exclude).
		field("env", envEntry(b)).
		digest(), nil
}

func (s *sourceStage) Verify(_ context.Context, b *Build, rec *Record) error {
	dg, err := materializedDigest(b, rec.Entries)
	if err != nil {
		return err
	}
	if dg.String() != rec.Digest {
		return fmt.Errorf("%w: workspace source changed", ErrStageOutputMissing)
	}
	return nil
}

// Run copies the source into a staging directory beside the workspace
// root, then swaps top-level entries in. Entries the previous build
// materialized and the source no longer has are removed. The environment
// directory is never touched.
func (s *sourceStage) Run(ctx context.Context, b *Build) (rec *Record, err error) {
	src, err := sourceDir(b)
	if err != nil {
		return nil, err
	}
	skip, err := sourceSkip(b)
	if err != nil {
		return nil, err
	}

	root := b.HostPath(b.Def.Workspace.Root)
	staging, err := os.MkdirTemp(filepath.Dir(root), "."+filepath.Base(root)+".source-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }() // emptied by the swap on success

	if err := fsutil.CopyTree(src, staging, skip); err != nil {
		return nil, fmt.Errorf("failed to copy source: %w", err)
	}
	dirents, err := os.ReadDir(staging)
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, d.Name())
	}

	var txn fsutil.Txn
	defer func() {
		if err != nil {
			err = errors.Join(err, txn.Rollback())
		}
	}()

	env := envEntry(b)
	if prev := b.PreviousRecord(StageSource); prev != nil {
		for _, name := range prev.Entries {
			if name == env || slices.Contains(entries, name) {
				continue
			}
			if err := txn.Remove(filepath.Join(root, name)); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range entries {
		if err := txn.Replace(filepath.Join(staging, name), filepath.Join(root, name)); err != nil {
			return nil, err
		}
	}

	dg, err := materializedDigest(b, entries)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		slogctx.FromCtx(ctx).WarnContext(ctx, "failed to remove replaced source entries", slog.Any("error", err))
	}
	slogctx.FromCtx(ctx).InfoContext(ctx, "source materialized",
		slog.String("source", src), slog.Int("entries", len(entries)))
	return &Record{Digest: dg.String(), Entries: entries}, nil
}

func sourceDir(b *Build) (string, error) {
	p := b.Def.Source.Path
	if p == "" {
		p = "."
	}
	src := b.Def.ResolvePath(p)
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrSourceNotDirectory, src)
	}
	return src, nil
}

// envEntry returns the top-level workspace entry holding the environment
// directory, or "" when the environment lives outside the workspace.
func envEntry(b *Build) string {
	rel, err := filepath.Rel(path.Clean(b.Def.Workspace.Root), path.Clean(b.Def.Workspace.Env))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}

// sourceSkip compiles the exclude patterns. A pattern matches either the
// whole relative path or the entry's base name. The source's copy of the
// environment directory is always left out.
func sourceSkip(b *Build) (fsutil.SkipFunc, error) {
	globs := make([]glob.Glob, 0, len(b.Def.Source.Exclude))
	for _, pattern := range b.Def.Source.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	env := envEntry(b)
	return func(rel string, _ fs.DirEntry) bool {
		if env != "" && rel == env {
			return true
		}
		base := path.Base(rel)
		for _, g := range globs {
			if g.Match(rel) || g.Match(base) {
				return true
			}
		}
		return false
	}, nil
}

// materializedDigest digests the given top-level entries of the
// workspace root.
func materializedDigest(b *Build, entries []string) (digest.Digest, error) {
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		keep[e] = true
	}
	return fsutil.TreeDigest(b.HostPath(b.Def.Workspace.Root), func(rel string, _ fs.DirEntry) bool {
		first, _, _ := strings.Cut(rel, "/")
		return !keep[first]
	})
}
