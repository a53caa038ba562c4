// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/pkg/platform"
)

type (
	// ExecCommandFunc creates the exec.Cmd for a CLI invocation. Tests
	// inject one that re-executes the test binary.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine implements the CLI operations Docker and Podman share.
	BaseCLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
		sandbox     platform.SandboxType
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.name = name }
}

// WithExecCommand substitutes process creation.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.execCommand = fn }
}

// WithSandbox overrides sandbox detection. Inside a sandbox every
// invocation goes through the host spawn command.
func WithSandbox(st platform.SandboxType) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.sandbox = st }
}

// WithBinaryPath overrides the binary found on PATH.
func WithBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.binaryPath = path }
}

// NewBaseCLIEngine creates a base engine for the binary at binaryPath.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
		sandbox:     platform.DetectSandbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the engine binary, empty when not installed.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs returns: build [-f dockerfile] -t tag [--no-cache] [--build-arg k=v...] context.
// Build args are emitted in key order so invocations are reproducible.
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	return append(args, opts.ContextDir)
}

// CreateArgs returns: create image true. The command is never run; it only
// satisfies images that declare neither CMD nor ENTRYPOINT.
func (e *BaseCLIEngine) CreateArgs(image string) []string {
	return []string{"create", image, "true"}
}

// CopyFromArgs returns: cp container:src dst.
func (e *BaseCLIEngine) CopyFromArgs(containerID, src, dst string) []string {
	return []string{"cp", containerID + ":" + src, dst}
}

// RemoveArgs returns: rm [-f] container.
func (e *BaseCLIEngine) RemoveArgs(containerID string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, containerID)
}

// RemoveImageArgs returns: rmi [-f] image.
func (e *BaseCLIEngine) RemoveImageArgs(image string, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	return append(args, image)
}

// CreateCommand creates the exec.Cmd for args, on the host when running
// sandboxed.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	argv := e.sandbox.HostCommand(e.binaryPath, args...)
	return e.execCommand(ctx, argv[0], argv[1:]...)
}

// RunCommandStatus runs the command and reports only failure. Stderr is
// included in the error to keep engine diagnostics.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	cmd := e.CreateCommand(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("command %s %v failed: %w: %s", e.binaryPath, args, err, msg)
		}
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandWithOutput runs the command and returns its stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("command %s %v failed: %w: %s", e.binaryPath, args, err, msg)
		}
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return stdout.String(), nil
}

// Build builds an image, streaming output to opts.Stdout and opts.Stderr.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return buildContainerError(e.name, opts, err)
	}
	return nil
}

// Pull fetches image.
func (e *BaseCLIEngine) Pull(ctx context.Context, image string) error {
	return e.RunCommandStatus(ctx, "pull", image)
}

// Create creates a stopped container and returns its ID.
func (e *BaseCLIEngine) Create(ctx context.Context, image string) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, e.CreateArgs(image)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s create %s returned no container id", e.name, image)
	}
	return id, nil
}

// CopyFrom copies a path out of a container.
func (e *BaseCLIEngine) CopyFrom(ctx context.Context, containerID, src, dst string) error {
	return e.RunCommandStatus(ctx, e.CopyFromArgs(containerID, src, dst)...)
}

// Remove removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, containerID string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveArgs(containerID, force)...)
}

// RemoveImage removes an image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

func buildContainerError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().WithOperation("build container image")
	switch {
	case opts.Dockerfile != "":
		ctx.WithResource(opts.Dockerfile)
	case opts.Tag != "":
		ctx.WithResource(opts.Tag)
	}
	return ctx.
		WithSuggestion("Ensure the base image is available (try: " + engine + " pull <base-image>)").
		WithSuggestion("Run 'strata export' and build the Dockerfile by hand to see the failing step").
		Wrap(cause).
		BuildError()
}
