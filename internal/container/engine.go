// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrEngineNotAvailable is wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")
	// ErrInvalidBuildOptions is returned for build options missing a context or tag.
	ErrInvalidBuildOptions = errors.New("invalid build options")
)

type (
	// Engine is the subset of a container engine used for provisioning.
	Engine interface {
		// Name returns docker or podman.
		Name() string
		// Available reports whether the CLI is installed and its daemon answers.
		Available() bool
		Version(ctx context.Context) (string, error)

		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Pull fetches image from its registry.
		Pull(ctx context.Context, image string) error
		ImageExists(ctx context.Context, image string) (bool, error)
		RemoveImage(ctx context.Context, image string, force bool) error

		// Create creates a stopped container from image and returns its ID.
		Create(ctx context.Context, image string) (string, error)
		// CopyFrom copies src out of a container to the host path dst.
		CopyFrom(ctx context.Context, containerID, src, dst string) error
		Remove(ctx context.Context, containerID string, force bool) error
	}

	// EngineType identifies the container engine CLI.
	EngineType string

	// BuildOptions configures an image build.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is relative to ContextDir unless absolute.
		Dockerfile string
		Tag        string
		BuildArgs  map[string]string
		NoCache    bool
		Stdout     io.Writer
		Stderr     io.Writer
	}

	// EngineNotAvailableError reports that neither the requested engine nor
	// its fallback can be used.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// Validate requires a context directory and a tag.
func (o BuildOptions) Validate() error {
	if o.ContextDir == "" {
		return fmt.Errorf("%w: context directory is required", ErrInvalidBuildOptions)
	}
	if o.Tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidBuildOptions)
	}
	return nil
}

// NewEngine returns the preferred engine, falling back to the other one.
func NewEngine(preferred EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	var first, second Engine
	switch preferred {
	case EngineTypePodman:
		first, second = NewPodmanEngine(opts...), NewDockerEngine(opts...)
	case EngineTypeDocker:
		first, second = NewDockerEngine(opts...), NewPodmanEngine(opts...)
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}

	if first.Available() {
		return first, nil
	}
	if second.Available() {
		return second, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: string(preferred),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available", first.Name(), second.Name()),
	}
}

// AutoDetectEngine returns Podman if available, otherwise Docker.
func AutoDetectEngine(opts ...BaseCLIEngineOption) (Engine, error) {
	if podman := NewPodmanEngine(opts...); podman.Available() {
		return podman, nil
	}
	if docker := NewDockerEngine(opts...); docker.Available() {
		return docker, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
