// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/pkg/platform"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("/usr/bin/docker")
	got := e.BuildArgs(BuildOptions{
		ContextDir: "/tmp/ctx",
		Dockerfile: "Dockerfile",
		Tag:        "strata-env:abc",
		NoCache:    true,
		BuildArgs:  map[string]string{"B": "2", "A": "1"},
	})
	want := "build -f /tmp/ctx/Dockerfile -t strata-env:abc --no-cache --build-arg A=1 --build-arg B=2 /tmp/ctx"
	if strings.Join(got, " ") != want {
		t.Errorf("BuildArgs() = %q, want %q", strings.Join(got, " "), want)
	}
}

func TestBuildOptionsValidate(t *testing.T) {
	t.Parallel()

	if err := (BuildOptions{Tag: "x"}).Validate(); !errors.Is(err, ErrInvalidBuildOptions) {
		t.Errorf("missing context: %v", err)
	}
	if err := (BuildOptions{ContextDir: "."}).Validate(); !errors.Is(err, ErrInvalidBuildOptions) {
		t.Errorf("missing tag: %v", err)
	}
}

func TestEngineCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("create returns trimmed id", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		rec.Stdout = "4f2a9c\n"
		id, err := newMockedDocker(t, rec).Create(ctx, "ghcr.io/astral-sh/uv:0.5.11")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if id != "4f2a9c" {
			t.Errorf("Create() = %q", id)
		}
		rec.AssertArgs(t, "create", "ghcr.io/astral-sh/uv:0.5.11", "true")
	})

	t.Run("copy from", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		if err := newMockedDocker(t, rec).CopyFrom(ctx, "4f2a9c", "/uv", "/tmp/uv"); err != nil {
			t.Fatalf("CopyFrom() error = %v", err)
		}
		rec.AssertArgs(t, "cp", "4f2a9c:/uv", "/tmp/uv")
	})

	t.Run("remove force", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		if err := newMockedDocker(t, rec).Remove(ctx, "4f2a9c", true); err != nil {
			t.Fatal(err)
		}
		rec.AssertArgs(t, "rm", "-f", "4f2a9c")
	})

	t.Run("image exists", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		ok, err := newMockedDocker(t, rec).ImageExists(ctx, "debian:stable-slim")
		if err != nil || !ok {
			t.Fatalf("ImageExists() = %v, %v", ok, err)
		}
		rec.AssertArgs(t, "image", "inspect", "debian:stable-slim")

		rec.ExitCode = 1
		ok, err = newMockedDocker(t, rec).ImageExists(ctx, "missing:1")
		if err != nil || ok {
			t.Fatalf("ImageExists(missing) = %v, %v", ok, err)
		}
	})

	t.Run("pull failure carries stderr", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		rec.ExitCode = 1
		rec.Stderr = "manifest unknown"
		err := newMockedDocker(t, rec).Pull(ctx, "nope:1")
		if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
			t.Fatalf("Pull() error = %v", err)
		}
	})

	t.Run("build failure is actionable", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		rec.FailOnCommand = "build"
		err := newMockedDocker(t, rec).Build(ctx, BuildOptions{ContextDir: t.TempDir(), Tag: "strata-env:1"})
		var ae *issue.ActionableError
		if !errors.As(err, &ae) {
			t.Fatalf("Build() error = %v, want ActionableError", err)
		}
		if ae.Resource != "strata-env:1" {
			t.Errorf("Resource = %q", ae.Resource)
		}
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		rec := NewMockCommandRecorder()
		rec.Stdout = "27.3.1\n"
		v, err := newMockedDocker(t, rec).Version(ctx)
		if err != nil || v != "27.3.1" {
			t.Fatalf("Version() = %q, %v", v, err)
		}
	})
}

func TestPodmanEngineName(t *testing.T) {
	t.Parallel()

	rec := NewMockCommandRecorder()
	e := NewPodmanEngine(WithBinaryPath("/usr/bin/podman"), WithExecCommand(rec.CommandFunc(t)), WithSandbox(platform.SandboxNone))
	if e.Name() != "podman" {
		t.Errorf("Name() = %q", e.Name())
	}
	if !e.Available() {
		t.Error("Available() = false with a succeeding binary")
	}
	rec.AssertArgs(t, "version", "--format", "{{.Version}}")
	if ok, err := e.ImageExists(context.Background(), "strata-env:1"); err != nil || !ok {
		t.Errorf("ImageExists() = %v, %v", ok, err)
	}
	rec.AssertArgs(t, "image", "exists", "strata-env:1")

	missing := NewPodmanEngine(WithBinaryPath(""))
	if missing.Available() {
		t.Error("Available() = true without a binary")
	}
}

func TestNewEngineUnknown(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine("lxc"); err == nil {
		t.Fatal("NewEngine(lxc) succeeded")
	}
}

func TestNewEngineFallbackUnavailable(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineTypeDocker, WithBinaryPath(""))
	if !errors.Is(err, ErrEngineNotAvailable) {
		t.Fatalf("NewEngine() error = %v, want ErrEngineNotAvailable", err)
	}
}

func TestSandboxedEngineSpawnsOnHost(t *testing.T) {
	t.Parallel()

	rec := NewMockCommandRecorder()
	e := NewDockerEngine(WithBinaryPath("/usr/bin/docker"), WithExecCommand(rec.CommandFunc(t)), WithSandbox(platform.SandboxFlatpak))
	if _, err := e.ImageExists(context.Background(), "strata-env:1"); err != nil {
		t.Fatalf("ImageExists() error = %v", err)
	}
	if got := rec.Invocations[0].Name; got != "flatpak-spawn" {
		t.Errorf("spawned %q, want flatpak-spawn", got)
	}
	rec.AssertArgs(t, "--host", "/usr/bin/docker", "image", "inspect", "strata-env:1")
}
