// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type (
	// flavor holds what differs between the docker and podman CLIs.
	flavor struct {
		engine EngineType
		// versionFormat is the --format template that prints the version
		// of the component doing the builds: the daemon for docker, the
		// CLI itself for daemonless podman.
		versionFormat string
		// imageProbe checks for a local image with exit status only.
		imageProbe func(image string) []string
	}

	// CLIEngine implements Engine on top of the docker or podman CLI.
	CLIEngine struct {
		*BaseCLIEngine
		flavor flavor
	}
)

var (
	dockerFlavor = flavor{
		engine:        EngineTypeDocker,
		versionFormat: "{{.Server.Version}}",
		imageProbe:    func(image string) []string { return []string{"image", "inspect", image} },
	}
	podmanFlavor = flavor{
		engine:        EngineTypePodman,
		versionFormat: "{{.Version}}",
		imageProbe:    func(image string) []string { return []string{"image", "exists", image} },
	}
)

// NewDockerEngine returns an engine for the docker binary on PATH.
func NewDockerEngine(opts ...BaseCLIEngineOption) *CLIEngine {
	return newCLIEngine(dockerFlavor, opts)
}

// NewPodmanEngine returns an engine for the podman binary on PATH.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *CLIEngine {
	return newCLIEngine(podmanFlavor, opts)
}

func newCLIEngine(f flavor, opts []BaseCLIEngineOption) *CLIEngine {
	binary, _ := exec.LookPath(string(f.engine))
	opts = append([]BaseCLIEngineOption{WithName(string(f.engine))}, opts...)
	return &CLIEngine{BaseCLIEngine: NewBaseCLIEngine(binary, opts...), flavor: f}
}

func (e *CLIEngine) Name() string { return string(e.flavor.engine) }

// Available reports whether the binary exists and can report a version,
// which for docker also proves the daemon answers.
func (e *CLIEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", e.flavor.versionFormat).Run() == nil
}

func (e *CLIEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", e.flavor.versionFormat)
	if err != nil {
		return "", fmt.Errorf("failed to get %s version: %w", e.flavor.engine, err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists probes for image locally. A failing probe means absent.
func (e *CLIEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return e.RunCommandStatus(ctx, e.flavor.imageProbe(image)...) == nil, nil
}
