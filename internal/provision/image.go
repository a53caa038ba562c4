// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/container"
	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/fsutil"
	"github.com/stratabuild/strata/pkg/buildfile"
)

type (
	// ImageProvisioner builds the environment as a container image.
	//
	// Images are cached by a key over the rendered Dockerfile, the
	// manifest, the lock and the source tree, and tagged
	// strata-env:<key12>[-suffix]. An existing image with the same tag is
	// reused unless the config forces a rebuild.
	ImageProvisioner struct {
		engine   container.Engine
		config   *Config
		sync     *depsync.Synchronizer
		registry string
		stdout   io.Writer
		stderr   io.Writer
	}

	// ImageResult describes a provisioned image.
	ImageResult struct {
		Tag string
		// Reused is true when the tag already existed.
		Reused bool
	}

	// ImageOption configures an ImageProvisioner.
	ImageOption func(*ImageProvisioner)
)

// WithBuildOutput streams the engine's build output.
func WithBuildOutput(stdout, stderr io.Writer) ImageOption {
	return func(p *ImageProvisioner) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// WithImageRegistry sets the dependency registry. Defaults to the
// configured registry directory.
func WithImageRegistry(r depsync.Registry) ImageOption {
	return func(p *ImageProvisioner) {
		p.sync = depsync.NewSynchronizer(r)
		p.registry = fmt.Sprintf("%T", r)
	}
}

// NewImageProvisioner creates an ImageProvisioner.
func NewImageProvisioner(engine container.Engine, cfg *Config, opts ...ImageOption) *ImageProvisioner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &ImageProvisioner{
		engine:   engine,
		config:   cfg,
		registry: cfg.registryDir(),
		sync:     depsync.NewSynchronizer(depsync.NewDirRegistry(cfg.registryDir())),
		stdout:   io.Discard,
		stderr:   io.Discard,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tag returns the tag def would be built as, without building. For a
// definition whose lock has not been written yet the tag changes once
// Provision writes it.
func (p *ImageProvisioner) Tag(ctx context.Context, def *buildfile.Definition) (string, error) {
	dockerfile, err := RenderDockerfile(def)
	if err != nil {
		return "", err
	}
	return p.tag(ctx, def, dockerfile)
}

// Provision returns a tag for an image of def, building it when no cached
// image exists.
func (p *ImageProvisioner) Provision(ctx context.Context, def *buildfile.Definition) (*ImageResult, error) {
	logger := slogctx.FromCtx(ctx)

	dockerfile, err := RenderDockerfile(def)
	if err != nil {
		return nil, err
	}
	// The lock is part of the key, so it must exist before the tag is
	// computed.
	if err := p.ensureLock(ctx, def); err != nil {
		return nil, err
	}
	tag, err := p.tag(ctx, def, dockerfile)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate image key: %w", err)
	}

	if !p.config.Force {
		exists, _ := p.engine.ImageExists(ctx, tag) //nolint:errcheck // error treated as "not found"
		if exists {
			logger.InfoContext(ctx, "reusing cached image", slog.String("tag", tag))
			return &ImageResult{Tag: tag, Reused: true}, nil
		}
	}

	buildCtx, err := os.MkdirTemp("", "strata-image-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	defer func() { _ = os.RemoveAll(buildCtx) }() // temp dir cleanup; error non-critical

	if err := p.prepareContext(ctx, def, buildCtx, dockerfile); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "building image", slog.String("tag", tag), slog.String("engine", p.engine.Name()))
	if err := p.engine.Build(ctx, container.BuildOptions{
		ContextDir: buildCtx,
		Dockerfile: "Dockerfile",
		Tag:        tag,
		NoCache:    p.config.Force,
		Stdout:     p.stdout,
		Stderr:     p.stderr,
	}); err != nil {
		return nil, err
	}
	return &ImageResult{Tag: tag}, nil
}

// ensureLock resolves and writes the lock when a manifest has none yet.
func (p *ImageProvisioner) ensureLock(ctx context.Context, def *buildfile.Definition) error {
	manifestPath, lockPath := DependencyPaths(def)
	if manifestPath == "" {
		return nil
	}
	if _, err := os.Stat(lockPath); err == nil {
		return nil
	}
	_, err := p.sync.Lock(ctx, manifestPath, lockPath)
	return err
}

// prepareContext syncs the dependency environment and copies the source
// into buildCtx next to the Dockerfile.
func (p *ImageProvisioner) prepareContext(ctx context.Context, def *buildfile.Definition, buildCtx, dockerfile string) error {
	b := newBuild(def, p.config, nil)

	manifestPath, lockPath := dependencyPaths(b)
	if _, err := p.sync.Sync(ctx, depsync.Request{
		ManifestPath: manifestPath,
		LockPath:     lockPath,
		EnvDir:       filepath.Join(buildCtx, ContextEnvDir),
	}); err != nil {
		return err
	}

	src, err := sourceDir(b)
	if err != nil {
		return err
	}
	skip, err := sourceSkip(b)
	if err != nil {
		return err
	}
	if err := fsutil.CopyTree(src, filepath.Join(buildCtx, ContextSourceDir), skip); err != nil {
		return fmt.Errorf("failed to copy source into build context: %w", err)
	}

	return os.WriteFile(filepath.Join(buildCtx, "Dockerfile"), []byte(dockerfile), 0o644)
}

func (p *ImageProvisioner) tag(_ context.Context, def *buildfile.Definition, dockerfile string) (string, error) {
	b := newBuild(def, p.config, nil)

	manifestPath, lockPath := dependencyPaths(b)
	manifest, err := readOptional(manifestPath)
	if err != nil {
		return "", err
	}
	lock, err := readOptional(lockPath)
	if err != nil {
		return "", err
	}
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
		return "", err
	}

	key := newKey("image").
		field("dockerfile", dockerfile).
		field("manifest", string(manifest)).
		field("lock", string(lock)).
		field("registry", p.registry).
		field("source", tree.String()).
		digest()

	tag := ImageRepository + ":" + key.Encoded()[:12]
	if p.config.TagSuffix != "" {
		tag += "-" + p.config.TagSuffix
	}
	return tag, nil
}
