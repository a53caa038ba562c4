// SPDX-License-Identifier: MPL-2.0

package activate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/pkg/buildfile"
	"github.com/stratabuild/strata/pkg/types"
)

// ErrNotActivatable is returned when the last build did not reach Ready.
var ErrNotActivatable = errors.New("environment is not activatable")

type (
	// ExecCommandFunc creates the workload process. Tests inject one that
	// re-executes the test binary.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// Option configures an Activator.
	Option func(*Activator)

	// Activator runs commands inside a provisioned environment.
	Activator struct {
		cfg         *provision.Config
		def         *buildfile.Definition
		stdin       io.Reader
		stdout      io.Writer
		stderr      io.Writer
		environ     func() []string
		execCommand ExecCommandFunc
	}
)

// WithStdio sets the workload's standard streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(a *Activator) {
		a.stdin = stdin
		a.stdout = stdout
		a.stderr = stderr
	}
}

// WithEnviron replaces os.Environ as the inherited environment.
func WithEnviron(fn func() []string) Option {
	return func(a *Activator) { a.environ = fn }
}

// WithExecCommand substitutes process creation.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(a *Activator) { a.execCommand = fn }
}

// New creates an Activator for the build described by cfg and def.
func New(cfg *provision.Config, def *buildfile.Definition, opts ...Option) *Activator {
	if cfg == nil {
		cfg = provision.DefaultConfig()
	}
	if def == nil {
		def = buildfile.Default()
	}
	a := &Activator{
		cfg:         cfg,
		def:         def,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		environ:     os.Environ,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Environment returns the workload environment in os.Environ form: the
// definition's base environment, overridden by the inherited variables,
// with the snapshot applied on top. The definition must activate the same
// way as the one last built.
func (a *Activator) Environment() ([]string, error) {
	stateDir := a.cfg.StateDirectory()
	ok, err := provision.Activatable(stateDir)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: the last build in %s did not reach Ready", ErrNotActivatable, stateDir)
	}
	if err := provision.CheckActivation(stateDir, a.def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotActivatable, err)
	}
	set, err := envwire.LoadSnapshot(filepath.Join(stateDir, envwire.SnapshotFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotActivatable, err)
	}

	inherited := make([]string, 0, len(a.def.BaseEnv))
	for k, v := range a.def.BaseEnv {
		inherited = append(inherited, k+"="+v)
	}
	// Later entries win when Environ folds the list into a map.
	inherited = append(inherited, a.environ()...)
	return set.Environ(inherited), nil
}

// Activate runs argv, or the idle command when argv is empty, in the
// environment and returns its exit code. A workload that runs and exits
// non-zero is not an error.
func (a *Activator) Activate(ctx context.Context, argv []string) (types.ExitCode, error) {
	env, err := a.Environment()
	if err != nil {
		return types.ExitNotActivatable, err
	}

	cmdline := provision.SelectCommand(argv, a.def)
	name := a.lookPath(cmdline[0], lookupEnv(env, buildfile.PathVariable))
	slogctx.FromCtx(ctx).DebugContext(ctx, "activating", slog.String("command", strings.Join(cmdline, " ")),
		slog.Bool("idle", len(argv) == 0))

	cmd := a.execCommand(ctx, name, cmdline[1:]...)
	cmd.Env = env
	cmd.Stdin = a.stdin
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr
	if dir := a.cfg.HostPath(a.def.Workspace.Root); isDir(dir) {
		cmd.Dir = dir
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := types.ExitCode(exitErr.ExitCode())
			if code.Validate() != nil {
				// Killed by a signal.
				return types.ExitFailure, nil
			}
			return code, nil
		}
		return types.ExitFailure, fmt.Errorf("failed to run %s: %w", cmdline[0], err)
	}
	return types.ExitOK, nil
}

// lookPath resolves a bare command name against the environment's search
// path mapped into the build root. Names with a slash, and names found
// nowhere, are returned unchanged.
func (a *Activator) lookPath(name, searchPath string) string {
	if strings.Contains(name, "/") || searchPath == "" {
		return name
	}
	for _, dir := range strings.Split(searchPath, envwire.ListSeparator) {
		if dir == "" {
			continue
		}
		candidate := a.cfg.HostPath(filepath.Join(dir, name))
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return candidate
		}
	}
	return name
}

func lookupEnv(env []string, name string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == name {
			return v
		}
	}
	return ""
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
