// SPDX-License-Identifier: MPL-2.0

package activate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/pkg/buildfile"
	"github.com/stratabuild/strata/pkg/types"
)

// helperRecorder re-executes the test binary in place of the workload
// and records the command it was asked to run.
type helperRecorder struct {
	mu    sync.Mutex
	names []string
}

func (h *helperRecorder) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	h.mu.Lock()
	h.names = append(h.names, name)
	h.mu.Unlock()
	cs := append([]string{"-test.run=TestHelperProcess", "--", filepath.Base(name)}, args...)
	//nolint:gosec // test helper re-executes the test binary
	return exec.CommandContext(ctx, os.Args[0], cs...)
}

func (h *helperRecorder) last() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.names) == 0 {
		return ""
	}
	return h.names[len(h.names)-1]
}

// TestHelperProcess is not a real test: it stands in for the workload.
// printenv prints the named variables, exit exits with the given code and
// sleep blocks until killed.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "printenv":
		for _, name := range args[2:] {
			fmt.Printf("%s=%s\n", name, os.Getenv(name))
		}
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(args[2])
		os.Exit(code)
	case "sleep":
		select {}
	}
	os.Exit(2)
}

// readyState writes the state of a build of def with the mecab environment
// into a temp state dir. A nil def stands for the default definition.
func readyState(t *testing.T, phase provision.Phase, def *buildfile.Definition) *provision.Config {
	t.Helper()
	if def == nil {
		def = buildfile.Default()
	}
	cfg := &provision.Config{Root: t.TempDir()}
	dir := cfg.StateDirectory()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	st := provision.NewState()
	st.Phase = phase
	activation, err := provision.ActivationDigest(def)
	if err != nil {
		t.Fatal(err)
	}
	st.Activation = activation.String()
	if err := st.Save(dir); err != nil {
		t.Fatal(err)
	}
	set, err := envwire.Wire(envwire.Inputs{
		EnvDir:        "/app/.venv",
		WorkspaceRoot: "/app",
		Bindings:      []buildfile.Binding{{Library: "mecab", Config: "/etc/mecabrc"}},
		Provided:      []string{"/etc/mecabrc"},
		Committed:     []string{"/app", "/app/.venv", "/app/.venv/bin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Save(filepath.Join(dir, envwire.SnapshotFile)); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newActivator(t *testing.T, cfg *provision.Config, def *buildfile.Definition, stdout *bytes.Buffer, environ ...string) (*Activator, *helperRecorder) {
	t.Helper()
	rec := &helperRecorder{}
	env := append([]string{"GO_WANT_HELPER_PROCESS=1"}, environ...)
	return New(cfg, def,
		WithStdio(nil, stdout, &bytes.Buffer{}),
		WithEnviron(func() []string { return env }),
		WithExecCommand(rec.command),
	), rec
}

func TestActivateRunsWorkloadInEnvironment(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	a, _ := newActivator(t, readyState(t, provision.PhaseReady, nil), nil, &out, "PATH=/usr/bin")
	code, err := a.Activate(context.Background(), []string{"printenv", "MECABRC", "PATH", "VIRTUAL_ENV"})
	if err != nil || code != types.ExitOK {
		t.Fatalf("Activate() = %v, %v", code, err)
	}
	want := "MECABRC=/etc/mecabrc\nPATH=/app/.venv/bin:/usr/bin\nVIRTUAL_ENV=/app/.venv\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestActivatePropagatesExitCode(t *testing.T) {
	t.Parallel()

	a, _ := newActivator(t, readyState(t, provision.PhaseReady, nil), nil, &bytes.Buffer{})
	code, err := a.Activate(context.Background(), []string{"exit", "3"})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if code != 3 {
		t.Errorf("code = %d, want 3", code)
	}
}

func TestActivateBaseEnvironment(t *testing.T) {
	t.Parallel()

	def := buildfile.Default()
	def.BaseEnv = map[string]string{"LANG": "C.UTF-8", "TZ": "UTC"}
	var out bytes.Buffer
	a, _ := newActivator(t, readyState(t, provision.PhaseReady, def), def, &out, "TZ=Asia/Tokyo")
	if _, err := a.Activate(context.Background(), []string{"printenv", "LANG", "TZ"}); err != nil {
		t.Fatal(err)
	}
	if want := "LANG=C.UTF-8\nTZ=Asia/Tokyo\n"; out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestActivateRefusesUnreadyBuild(t *testing.T) {
	t.Parallel()

	for _, phase := range []provision.Phase{provision.PhaseFailed, provision.PhaseEnvironmentWired} {
		a, rec := newActivator(t, readyState(t, phase, nil), nil, &bytes.Buffer{})
		code, err := a.Activate(context.Background(), []string{"printenv"})
		if !errors.Is(err, ErrNotActivatable) {
			t.Errorf("%s: Activate() error = %v, want ErrNotActivatable", phase, err)
		}
		if code != types.ExitNotActivatable {
			t.Errorf("%s: code = %d", phase, code)
		}
		if rec.last() != "" {
			t.Errorf("%s: workload started", phase)
		}
	}
}

func TestActivateRefusesChangedDefinition(t *testing.T) {
	t.Parallel()

	built := buildfile.Default()
	built.BaseEnv = map[string]string{"LANG": "C.UTF-8"}
	cfg := readyState(t, provision.PhaseReady, built)

	tests := []struct {
		name   string
		mutate func(*buildfile.Definition)
	}{
		{"base environment", func(d *buildfile.Definition) { d.BaseEnv["LANG"] = "ja_JP.UTF-8" }},
		{"workspace root", func(d *buildfile.Definition) { d.Workspace.Root = "/srv" }},
		{"idle command", func(d *buildfile.Definition) { d.Entrypoint.Idle = []string{"strata", "idle"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			def := buildfile.Default()
			def.BaseEnv = map[string]string{"LANG": "C.UTF-8"}
			tt.mutate(def)
			a, rec := newActivator(t, cfg, def, &bytes.Buffer{})
			code, err := a.Activate(context.Background(), []string{"printenv"})
			if !errors.Is(err, ErrNotActivatable) || !errors.Is(err, provision.ErrDefinitionChanged) {
				t.Errorf("Activate() error = %v, want ErrNotActivatable wrapping ErrDefinitionChanged", err)
			}
			if code != types.ExitNotActivatable {
				t.Errorf("code = %d", code)
			}
			if rec.last() != "" {
				t.Error("workload started")
			}
		})
	}

	// Packages and bindings do not change how the environment is entered.
	same := buildfile.Default()
	same.BaseEnv = map[string]string{"LANG": "C.UTF-8"}
	same.Packages = []buildfile.Package{{Name: "mecab"}}
	a, _ := newActivator(t, cfg, same, &bytes.Buffer{})
	if _, err := a.Environment(); err != nil {
		t.Errorf("Environment() error = %v for a definition differing only in packages", err)
	}
}

func TestActivateWithoutCommandRunsIdle(t *testing.T) {
	t.Parallel()

	a, rec := newActivator(t, readyState(t, provision.PhaseReady, nil), nil, &bytes.Buffer{})
	const wait = 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	start := time.Now()
	code, err := a.Activate(ctx, nil)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < wait {
		t.Errorf("idle entrypoint exited on its own after %s", elapsed)
	}
	if code == types.ExitOK {
		t.Error("killed idle command reported success")
	}
	if rec.last() != "sleep" {
		t.Errorf("command = %q, want the idle command", rec.last())
	}
}

func TestIdleReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Idle(ctx) }()

	select {
	case <-done:
		t.Fatal("Idle returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Idle() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Idle did not return after cancellation")
	}
}
