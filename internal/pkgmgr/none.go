// SPDX-License-Identifier: MPL-2.0

package pkgmgr

import (
	"context"
	"errors"

	"github.com/stratabuild/strata/pkg/buildfile"
)

// ErrNoPackageManager is returned when packages are requested with the
// none manager.
var ErrNoPackageManager = errors.New("no package manager configured")

// None is used on hosts without a supported package manager. Every
// package is unsatisfied and Install always fails.
type None struct{}

func (None) Name() string { return NameNone }

func (None) Satisfied(context.Context, buildfile.Package) (bool, error) { return false, nil }

func (None) Install(context.Context, []buildfile.Package) error { return ErrNoPackageManager }

func (None) PurgeCache(context.Context) error { return nil }
