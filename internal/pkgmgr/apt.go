// SPDX-License-Identifier: MPL-2.0

package pkgmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/stratabuild/strata/pkg/buildfile"
)

// aptListsDir holds downloaded package indexes, relative to the root.
const aptListsDir = "var/lib/apt/lists"

type (
	// ExecCommandFunc creates the exec.Cmd for a package manager invocation.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// AptOption configures an Apt manager.
	AptOption func(*Apt)

	// Apt drives apt-get and dpkg-query. With a root other than "/" every
	// command runs through chroot.
	Apt struct {
		root        string
		execCommand ExecCommandFunc
		stdout      io.Writer
		stderr      io.Writer
		updated     bool
	}
)

// WithRoot sets the filesystem root packages are installed into.
func WithRoot(root string) AptOption {
	return func(a *Apt) { a.root = root }
}

// WithExecCommand substitutes process creation.
func WithExecCommand(fn ExecCommandFunc) AptOption {
	return func(a *Apt) { a.execCommand = fn }
}

// WithOutput streams apt-get output to the given writers.
func WithOutput(stdout, stderr io.Writer) AptOption {
	return func(a *Apt) {
		a.stdout = stdout
		a.stderr = stderr
	}
}

// NewApt creates an apt manager for the host root.
func NewApt(opts ...AptOption) *Apt {
	a := &Apt{root: "/", execCommand: exec.CommandContext}
	for _, opt := range opts {
		opt(a)
	}
	if a.root == "" {
		a.root = "/"
	}
	return a
}

func (a *Apt) Name() string { return NameApt }

// Root returns the filesystem root the manager installs into.
func (a *Apt) Root() string { return a.root }

// Satisfied asks dpkg for the package status and, when a version is
// pinned, the installed version.
func (a *Apt) Satisfied(ctx context.Context, pkg buildfile.Package) (bool, error) {
	cmd := a.command(ctx, "dpkg-query", "-W", "-f=${Status}\t${Version}", pkg.Name)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// dpkg-query exits 1 for unknown packages.
			return false, nil
		}
		return false, fmt.Errorf("dpkg-query %s: %w", pkg.Name, err)
	}
	status, version, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\t")
	if status != "install ok installed" {
		return false, nil
	}
	return pkg.Version == "" || pkg.Version == version, nil
}

// Install refreshes the package index once per manager and installs pkgs
// without recommended packages.
func (a *Apt) Install(ctx context.Context, pkgs []buildfile.Package) error {
	if len(pkgs) == 0 {
		return nil
	}
	if !a.updated {
		if err := a.run(ctx, "apt-get", "update"); err != nil {
			return fmt.Errorf("apt-get update: %w", err)
		}
		a.updated = true
	}
	args := []string{"install", "-y", "--no-install-recommends"}
	for _, p := range pkgs {
		args = append(args, p.String())
	}
	return a.run(ctx, "apt-get", args...)
}

// PurgeCache runs apt-get clean and empties the package lists. Both steps
// always run.
func (a *Apt) PurgeCache(ctx context.Context) error {
	var errs []error
	if err := a.run(ctx, "apt-get", "clean"); err != nil {
		errs = append(errs, fmt.Errorf("apt-get clean: %w", err))
	}
	entries, err := filepath.Glob(filepath.Join(a.root, aptListsDir, "*"))
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(e); err != nil {
			errs = append(errs, err)
		}
	}
	a.updated = false
	return errors.Join(errs...)
}

func (a *Apt) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	if a.root != "/" {
		args = append([]string{a.root, name}, args...)
		name = "chroot"
	}
	cmd := a.execCommand(ctx, name, args...)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "DEBIAN_FRONTEND=noninteractive")
	return cmd
}

func (a *Apt) run(ctx context.Context, name string, args ...string) error {
	cmd := a.command(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stdout = a.stdout
	if a.stderr != nil {
		cmd.Stderr = io.MultiWriter(a.stderr, &stderr)
	} else {
		cmd.Stderr = &stderr
	}
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return err
	}
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
