// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/stratabuild/strata/internal/envwire"
)

type environmentStage struct{}

func (s *environmentStage) Name() StageName { return StageEnvironment }

func (s *environmentStage) Phase() Phase { return PhaseEnvironmentWired }

func (s *environmentStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	in := wireInputs(b)
	bindings := make([]string, len(in.Bindings))
	for i, bd := range in.Bindings {
		bindings[i] = bd.Library + "\x00" + bd.VariableName() + "\x00" + path.Clean(bd.Config)
	}
	return newKey(StageEnvironment).
		field("env", in.EnvDir).
		field("env_variable", in.EnvVariable).
		field("workspace", in.WorkspaceRoot).
		set("binding", bindings).
		mapping("static", in.Static).
		mapping("base", b.Def.BaseEnv).
		set("provided", in.Provided).
		set("committed", in.Committed).
		digest(), nil
}

func (s *environmentStage) Verify(_ context.Context, b *Build, rec *Record) error {
	data, err := os.ReadFile(snapshotPath(b.Config))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStageOutputMissing, err)
	}
	if digest.FromBytes(data).String() != rec.Digest {
		return fmt.Errorf("%w: environment snapshot changed", ErrStageOutputMissing)
	}
	return nil
}

func (s *environmentStage) Run(_ context.Context, b *Build) (*Record, error) {
	set, err := envwire.Wire(wireInputs(b))
	if err != nil {
		return nil, err
	}
	data, err := set.Marshal()
	if err != nil {
		return nil, err
	}
	if err := set.Save(snapshotPath(b.Config)); err != nil {
		return nil, fmt.Errorf("failed to write environment snapshot: %w", err)
	}
	return &Record{Digest: digest.FromBytes(data).String()}, nil
}

// wireInputs collects what the earlier stages of this build committed.
func wireInputs(b *Build) envwire.Inputs {
	in := envwire.Inputs{
		EnvDir:        path.Clean(b.Def.Workspace.Env),
		EnvVariable:   b.Def.Workspace.EnvVariable,
		WorkspaceRoot: path.Clean(b.Def.Workspace.Root),
		Bindings:      b.Def.Bindings,
		Static:        b.Def.Env,
	}
	if in.EnvVariable == "" {
		in.EnvVariable = "VIRTUAL_ENV"
	}
	if rec := b.Record(StagePackages); rec != nil {
		in.Provided = rec.Provides
	}
	for _, name := range []StageName{StageWorkspace, StageDependencies} {
		if rec := b.Record(name); rec != nil {
			in.Committed = append(in.Committed, rec.Provides...)
		}
	}
	return in
}

func snapshotPath(cfg *Config) string {
	return filepath.Join(cfg.stateDir(), envwire.SnapshotFile)
}
