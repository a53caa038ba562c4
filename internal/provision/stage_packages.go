// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/opencontainers/go-digest"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/pkgmgr"
)

type packagesStage struct {
	manager pkgmgr.Manager
}

func (s *packagesStage) Name() StageName { return StagePackages }

func (s *packagesStage) Phase() Phase { return PhasePackagesInstalled }

func (s *packagesStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	pkgs := b.Def.PackageSet()
	pairs := make([]string, len(pkgs))
	for i, p := range pkgs {
		pairs[i] = p.Name + "\x00" + p.Version
	}
	return newKey(StagePackages).
		set("package", pairs).
		field("manager", s.managerName()).
		set("probe", s.probes(b)).
		digest(), nil
}

func (s *packagesStage) Verify(ctx context.Context, b *Build, rec *Record) error {
	for _, p := range rec.Provides {
		if _, err := os.Stat(b.HostPath(p)); err != nil {
			return fmt.Errorf("%w: %s", ErrStageOutputMissing, p)
		}
	}
	pkgs := b.Def.PackageSet()
	if len(pkgs) == 0 {
		return nil
	}
	if s.manager == nil {
		return fmt.Errorf("%w: no package manager", ErrStageOutputMissing)
	}
	for _, p := range pkgs {
		ok, err := s.manager.Satisfied(ctx, p)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: package %s", ErrStageOutputMissing, p)
		}
	}
	return nil
}

func (s *packagesStage) Run(ctx context.Context, b *Build) (*Record, error) {
	logger := slogctx.FromCtx(ctx)

	pkgs := b.Def.PackageSet()
	if len(pkgs) > 0 {
		m := s.manager
		if m == nil {
			m = pkgmgr.None{}
		}
		res, err := pkgmgr.InstallSet(ctx, m, pkgs)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "package set ready",
			slog.Int("installed", len(res.Installed)), slog.Bool("already_satisfied", res.Satisfied))
	}

	rec := &Record{}
	for _, p := range s.probes(b) {
		if _, err := os.Stat(b.HostPath(p)); err == nil {
			rec.Provides = append(rec.Provides, p)
		} else {
			logger.DebugContext(ctx, "binding config not installed", slog.String("path", p))
		}
	}
	return rec, nil
}

// probes lists the config paths the bindings expect the packages to
// install.
func (s *packagesStage) probes(b *Build) []string {
	var out []string
	for _, bd := range b.Def.Bindings {
		out = append(out, path.Clean(bd.Config))
	}
	return out
}

func (s *packagesStage) managerName() string {
	if s.manager == nil {
		return pkgmgr.NameNone
	}
	return s.manager.Name()
}
