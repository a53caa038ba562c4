// SPDX-License-Identifier: MPL-2.0

package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/pkg/buildfile"
)

const (
	// NameApt selects the Debian apt backend.
	NameApt = "apt"
	// NameNone selects the manager that accepts only empty package sets.
	NameNone = "none"
)

var (
	// ErrPackageInstall is wrapped by PackageInstallError.
	ErrPackageInstall = errors.New("package install failed")
	// ErrCachePurge is wrapped by CachePurgeError.
	ErrCachePurge = errors.New("package cache purge failed")
	// ErrUnknownManager is returned by New for an unsupported manager name.
	ErrUnknownManager = errors.New("unknown package manager")
)

type (
	// Manager is an OS package manager.
	Manager interface {
		Name() string
		// Satisfied reports whether pkg is installed at the requested version.
		Satisfied(ctx context.Context, pkg buildfile.Package) (bool, error)
		// Install installs pkgs in a single transaction.
		Install(ctx context.Context, pkgs []buildfile.Package) error
		// PurgeCache removes downloaded archives and index files.
		PurgeCache(ctx context.Context) error
	}

	// PackageInstallError names the package whose installation failed.
	PackageInstallError struct {
		Package string
		Err     error
	}

	// CachePurgeError wraps a failed cache purge.
	CachePurgeError struct {
		Manager string
		Err     error
	}

	// Result summarizes an InstallSet call.
	Result struct {
		// Installed lists the packages handed to the manager.
		Installed []buildfile.Package
		// Satisfied is true when nothing needed installing.
		Satisfied bool
	}
)

func (e *PackageInstallError) Error() string {
	return fmt.Sprintf("failed to install package %q: %v", e.Package, e.Err)
}

// Unwrap returns both the sentinel and the manager error so callers can
// match either.
func (e *PackageInstallError) Unwrap() []error { return []error{ErrPackageInstall, e.Err} }

func (e *CachePurgeError) Error() string {
	return fmt.Sprintf("failed to purge %s cache: %v", e.Manager, e.Err)
}

func (e *CachePurgeError) Unwrap() []error { return []error{ErrCachePurge, e.Err} }

// New returns the manager called name operating on root.
func New(name, root string, opts ...AptOption) (Manager, error) {
	switch name {
	case NameApt, "":
		return NewApt(append([]AptOption{WithRoot(root)}, opts...)...), nil
	case NameNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownManager, name)
	}
}

// Normalize sorts set by name and version and drops exact duplicates, so
// declaration order never reaches the manager.
func Normalize(set []buildfile.Package) []buildfile.Package {
	return (&buildfile.Definition{Packages: set}).PackageSet()
}

// InstallSet installs every package of set that is not already satisfied.
// The cache purge runs on every path; its failure is joined onto the
// returned error.
func InstallSet(ctx context.Context, m Manager, set []buildfile.Package) (res Result, err error) {
	logger := slogctx.FromCtx(ctx).With(slog.String("manager", m.Name()))

	defer func() {
		// Purge even when ctx is already done.
		if perr := m.PurgeCache(context.WithoutCancel(ctx)); perr != nil {
			err = errors.Join(err, &CachePurgeError{Manager: m.Name(), Err: perr})
		}
	}()

	pkgs := Normalize(set)
	missing, err := unsatisfied(ctx, m, pkgs)
	if err != nil {
		return Result{}, err
	}
	if len(missing) == 0 {
		logger.DebugContext(ctx, "package set already satisfied", slog.Int("packages", len(pkgs)))
		return Result{Satisfied: true}, nil
	}

	logger.InfoContext(ctx, "installing packages", slog.String("packages", join(missing)))
	if ierr := m.Install(ctx, missing); ierr != nil {
		return Result{}, &PackageInstallError{Package: culprit(ctx, m, missing), Err: ierr}
	}
	return Result{Installed: missing}, nil
}

func unsatisfied(ctx context.Context, m Manager, pkgs []buildfile.Package) ([]buildfile.Package, error) {
	var missing []buildfile.Package
	for _, p := range pkgs {
		ok, err := m.Satisfied(ctx, p)
		if err != nil {
			return nil, &PackageInstallError{Package: p.String(), Err: err}
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// culprit returns the first package still unsatisfied after a failed
// install, or the whole list when every one of them went in.
func culprit(ctx context.Context, m Manager, pkgs []buildfile.Package) string {
	for _, p := range pkgs {
		if ok, err := m.Satisfied(context.WithoutCancel(ctx), p); err != nil || !ok {
			return p.String()
		}
	}
	return join(pkgs)
}

func join(pkgs []buildfile.Package) string {
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.String()
	}
	return strings.Join(names, " ")
}
