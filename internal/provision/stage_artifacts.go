// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/container"
	"github.com/stratabuild/strata/internal/fsutil"
	"github.com/stratabuild/strata/pkg/buildfile"
)

// errNoEngine is the cause reported when artifacts are declared but no
// container engine was configured.
var errNoEngine = errors.New("no container engine available")

type (
	// ArtifactFetcher copies the file at src inside image to the host
	// path dst.
	ArtifactFetcher interface {
		Fetch(ctx context.Context, image, src, dst string) error
	}

	// EngineArtifactFetcher fetches artifacts through a container engine:
	// pull when missing, create a stopped container, copy the path out and
	// remove the container.
	EngineArtifactFetcher struct {
		engine container.Engine
	}

	artifactsStage struct {
		fetcher ArtifactFetcher
	}
)

// NewEngineArtifactFetcher returns a fetcher using engine.
func NewEngineArtifactFetcher(engine container.Engine) *EngineArtifactFetcher {
	return &EngineArtifactFetcher{engine: engine}
}

func (f *EngineArtifactFetcher) Fetch(ctx context.Context, image, src, dst string) (err error) {
	exists, err := f.engine.ImageExists(ctx, image)
	if err != nil {
		return &ArtifactUnavailableError{Image: image, Err: err}
	}
	if !exists {
		slogctx.FromCtx(ctx).InfoContext(ctx, "pulling artifact image", slog.String("image", image))
		if err := f.engine.Pull(ctx, image); err != nil {
			return &ArtifactUnavailableError{Image: image, Err: err}
		}
	}

	id, err := f.engine.Create(ctx, image)
	if err != nil {
		return &ArtifactUnavailableError{Image: image, Err: err}
	}
	defer func() {
		if rmErr := f.engine.Remove(context.WithoutCancel(ctx), id, true); rmErr != nil && err == nil {
			err = fmt.Errorf("failed to remove container %s: %w", id, rmErr)
		}
	}()

	if err := f.engine.CopyFrom(ctx, id, src, dst); err != nil {
		return &ArtifactUnavailableError{Image: image, Path: src, Err: err}
	}
	return nil
}

func (s *artifactsStage) Name() StageName { return StageArtifacts }

func (s *artifactsStage) Phase() Phase { return PhaseArtifactsFetched }

func (s *artifactsStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	return newKey(StageArtifacts).set("artifact", artifactTriples(b.Def.Artifacts)).digest(), nil
}

func (s *artifactsStage) Verify(_ context.Context, b *Build, rec *Record) error {
	artifacts := uniqueArtifacts(b.Def.Artifacts)
	if len(artifacts) == 0 {
		return nil
	}
	dg, err := s.outputDigest(b, artifacts)
	if err != nil {
		return err
	}
	if dg.String() != rec.Digest {
		return fmt.Errorf("%w: artifacts changed on disk", ErrStageOutputMissing)
	}
	return nil
}

func (s *artifactsStage) Run(ctx context.Context, b *Build) (rec *Record, err error) {
	artifacts := uniqueArtifacts(b.Def.Artifacts)
	if len(artifacts) == 0 {
		return &Record{}, nil
	}
	if s.fetcher == nil {
		return nil, &ArtifactUnavailableError{Image: artifacts[0].Image, Err: errNoEngine}
	}

	var (
		txn    fsutil.Txn
		staged []string
	)
	defer func() {
		for _, p := range staged {
			_ = os.Remove(p) // gone once moved into place
		}
		if err != nil {
			err = errors.Join(err, txn.Rollback())
		}
	}()

	logger := slogctx.FromCtx(ctx)
	for _, a := range artifacts {
		dst := b.HostPath(a.Destination)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".fetch")
		_ = os.RemoveAll(tmp)
		staged = append(staged, tmp)

		logger.InfoContext(ctx, "fetching artifact",
			slog.String("image", a.Image), slog.String("source", a.Source), slog.String("destination", a.Destination))
		if err := s.fetcher.Fetch(ctx, a.Image, a.Source, tmp); err != nil {
			return nil, err
		}
		info, err := os.Stat(tmp)
		if err != nil {
			return nil, &ArtifactUnavailableError{Image: a.Image, Path: a.Source, Err: err}
		}
		if !info.Mode().IsRegular() {
			return nil, &ArtifactUnavailableError{Image: a.Image, Path: a.Source, Err: errors.New("not a regular file")}
		}
		if err := os.Chmod(tmp, 0o755); err != nil {
			return nil, err
		}
	}

	for i, a := range artifacts {
		if err := txn.Replace(staged[i], b.HostPath(a.Destination)); err != nil {
			return nil, err
		}
	}

	dg, err := s.outputDigest(b, artifacts)
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		logger.WarnContext(ctx, "failed to remove replaced artifacts", slog.Any("error", err))
	}

	rec = &Record{Digest: dg.String()}
	for _, a := range artifacts {
		rec.Provides = append(rec.Provides, a.Destination)
	}
	return rec, nil
}

// outputDigest digests every destination's path, mode and content.
func (s *artifactsStage) outputDigest(b *Build, artifacts []buildfile.Artifact) (digest.Digest, error) {
	k := newKey(StageArtifacts)
	for _, a := range artifacts {
		p := b.HostPath(a.Destination)
		info, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrStageOutputMissing, a.Destination, err)
		}
		content, err := fsutil.HashFile(p)
		if err != nil {
			return "", err
		}
		k.field("path", a.Destination).field("mode", info.Mode().String()).field("content", content.String())
	}
	return k.digest(), nil
}

func artifactTriples(artifacts []buildfile.Artifact) []string {
	out := make([]string, len(artifacts))
	for i, a := range artifacts {
		out[i] = strings.Join([]string{a.Image, a.Source, a.Destination}, "\x00")
	}
	return out
}

// uniqueArtifacts sorts artifacts by destination and drops exact
// duplicates.
func uniqueArtifacts(artifacts []buildfile.Artifact) []buildfile.Artifact {
	out := slices.Clone(artifacts)
	slices.SortFunc(out, func(a, b buildfile.Artifact) int {
		return strings.Compare(strings.Join([]string{a.Destination, a.Image, a.Source}, "\x00"),
			strings.Join([]string{b.Destination, b.Image, b.Source}, "\x00"))
	})
	return slices.Compact(out)
}
