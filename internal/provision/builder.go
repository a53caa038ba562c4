// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	slogctx "github.com/veqryn/slog-context"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/pkgmgr"
	"github.com/stratabuild/strata/pkg/buildfile"
)

const (
	// ActionRun executes a stage whose key changed or whose output is gone.
	ActionRun Action = "run"
	// ActionSkip reuses the previous output.
	ActionSkip Action = "skip"
	// ActionReplay executes a stage because an earlier stage executed.
	ActionReplay Action = "replay"
)

// ErrBuildLocked is returned when another build holds the state dir.
var ErrBuildLocked = errors.New("another build is running")

type (
	// Action is what a build does with a stage.
	Action string

	// Deps are the external systems the stages drive. A nil Packages
	// manager accepts only empty package sets, a nil Artifacts fetcher
	// only empty artifact lists, and a nil Registry reads the configured
	// registry directory.
	Deps struct {
		Packages  pkgmgr.Manager
		Artifacts ArtifactFetcher
		Registry  depsync.Registry
	}

	// Builder runs the provisioning pipeline.
	Builder struct {
		cfg    *Config
		stages []Stage
	}

	// StageReport is one stage's outcome.
	StageReport struct {
		Name     StageName
		Action   Action
		Key      string
		Duration time.Duration
	}

	// Report describes a build or a plan.
	Report struct {
		Phase  Phase
		Stages []StageReport
		// Environment is the wired environment resolved against the
		// definition's base environment. Only set by Run.
		Environment map[string]string
	}
)

// NewBuilder creates a builder. A nil cfg means DefaultConfig.
func NewBuilder(cfg *Config, deps Deps) *Builder {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	registry, registryID := deps.Registry, ""
	if registry == nil {
		registryID = cfg.registryDir()
		registry = depsync.NewDirRegistry(registryID)
	} else {
		registryID = fmt.Sprintf("%T", registry)
	}

	return &Builder{
		cfg: cfg,
		stages: []Stage{
			&artifactsStage{fetcher: deps.Artifacts},
			&packagesStage{manager: deps.Packages},
			&workspaceStage{},
			&dependenciesStage{sync: depsync.NewSynchronizer(registry), registry: registryID},
			&sourceStage{},
			&environmentStage{},
		},
	}
}

// Config returns the builder's configuration.
func (b *Builder) Config() *Config { return b.cfg }

// Run provisions def. Stages run strictly in order; a stage is skipped
// only while no earlier stage ran, its key is unchanged and its output
// verifies. On failure the state records phase Failed, the environment
// snapshot is removed and the error names the failing stage.
func (b *Builder) Run(ctx context.Context, def *buildfile.Definition) (*Report, error) {
	stateDir := b.cfg.stateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	unlock, err := lockStateDir(stateDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prev, err := LoadState(stateDir)
	if err != nil {
		return nil, err
	}
	activation, err := ActivationDigest(def)
	if err != nil {
		return nil, err
	}

	// Nothing is activatable while the build runs.
	st := NewState()
	st.Activation = activation.String()
	maps.Copy(st.Stages, prev.Stages)
	if err := st.Save(stateDir); err != nil {
		return nil, fmt.Errorf("failed to write build state: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.timeout())
	defer cancel()

	build := newBuild(def, b.cfg, prev)
	report := &Report{Phase: PhaseInit}
	executed := false

	for _, s := range b.stages {
		sctx := slogctx.With(ctx, slog.String("stage", string(s.Name())))
		start := time.Now()

		if err := ctx.Err(); err != nil {
			return report, b.fail(ctx, build, st, s.Name(), err)
		}

		action, key, err := b.decide(sctx, build, s, executed)
		if err != nil {
			return report, b.fail(ctx, build, st, s.Name(), err)
		}

		var rec *Record
		if action == ActionSkip {
			rec = build.PreviousRecord(s.Name())
			slogctx.FromCtx(sctx).DebugContext(sctx, "stage up to date", slog.String("key", key.String()))
		} else {
			executed = true
			slogctx.FromCtx(sctx).InfoContext(sctx, "running stage", slog.String("action", string(action)))
			rec, err = s.Run(sctx, build)
			if err != nil {
				return report, b.fail(ctx, build, st, s.Name(), err)
			}
			if rec.Key == "" {
				rec.Key = key.String()
			}
		}

		build.records[s.Name()] = rec
		st.Stages[string(s.Name())] = rec
		if report.Phase, err = report.Phase.Transition(s.Phase()); err != nil {
			return report, b.fail(ctx, build, st, s.Name(), err)
		}
		st.Phase = report.Phase
		if err := st.Save(stateDir); err != nil {
			return report, b.fail(ctx, build, st, s.Name(), err)
		}
		report.Stages = append(report.Stages, StageReport{
			Name:     s.Name(),
			Action:   action,
			Key:      rec.Key,
			Duration: time.Since(start),
		})
	}

	if err := ctx.Err(); err != nil {
		return report, b.fail(ctx, build, st, StageEnvironment, err)
	}
	set, err := envwire.LoadSnapshot(snapshotPath(b.cfg))
	if err != nil {
		return report, b.fail(ctx, build, st, StageEnvironment, err)
	}
	if report.Phase, err = report.Phase.Transition(PhaseReady); err != nil {
		return report, b.fail(ctx, build, st, StageEnvironment, err)
	}
	st.Phase = PhaseReady
	if err := st.Save(stateDir); err != nil {
		return report, b.fail(ctx, build, st, StageEnvironment, err)
	}
	report.Environment = set.Resolve(def.BaseEnv)

	slogctx.FromCtx(ctx).InfoContext(ctx, "environment ready", slog.Int("variables", len(set.Entries)))
	return report, nil
}

// Plan reports what Run would do with each stage without executing
// anything. Stages after one that would run are planned against the
// records of the last build.
func (b *Builder) Plan(ctx context.Context, def *buildfile.Definition) (*Report, error) {
	prev, err := LoadState(b.cfg.stateDir())
	if err != nil {
		return nil, err
	}

	build := newBuild(def, b.cfg, prev)
	report := &Report{Phase: prev.Phase}
	executed := false
	for _, s := range b.stages {
		action, key, err := b.decide(ctx, build, s, executed)
		if err != nil {
			return nil, &StageError{Stage: s.Name(), Err: err}
		}
		if action != ActionSkip {
			executed = true
		}
		build.records[s.Name()] = build.PreviousRecord(s.Name())
		report.Stages = append(report.Stages, StageReport{Name: s.Name(), Action: action, Key: key.String()})
	}
	return report, nil
}

// decide computes the stage key and applies the skip rule.
func (b *Builder) decide(ctx context.Context, build *Build, s Stage, replaying bool) (Action, digest.Digest, error) {
	key, err := s.Key(ctx, build)
	if err != nil {
		return "", "", err
	}
	if replaying {
		return ActionReplay, key, nil
	}
	if b.cfg.Force {
		return ActionRun, key, nil
	}
	prev := build.PreviousRecord(s.Name())
	if prev == nil || prev.Key != key.String() {
		return ActionRun, key, nil
	}
	if err := s.Verify(ctx, build, prev); err != nil {
		slogctx.FromCtx(ctx).DebugContext(ctx, "stage output no longer valid", slog.Any("error", err))
		return ActionRun, key, nil
	}
	return ActionSkip, key, nil
}

// fail records the failed build and returns the error naming the stage.
// A deadline reached during the build becomes a BuildTimeoutError.
func (b *Builder) fail(ctx context.Context, build *Build, st *State, stage StageName, cause error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = &BuildTimeoutError{Stage: stage, Timeout: b.cfg.timeout(), Err: cause}
	}

	st.Phase = PhaseFailed
	st.FailedStage = stage
	st.Error = cause.Error()
	st.Stages = make(map[string]*Record, len(build.records))
	if build.Previous != nil {
		// Stages this build did not commit keep what they last left on
		// disk, such as the source entries to remove, but lose the key so
		// they run again.
		for name, rec := range build.Previous.Stages {
			if rec != nil {
				stale := *rec
				stale.Key = ""
				st.Stages[name] = &stale
			}
		}
	}
	for name, rec := range build.records {
		if rec != nil {
			st.Stages[string(name)] = rec
		}
	}

	errs := []error{&StageError{Stage: stage, Err: cause}}
	if err := st.Save(b.cfg.stateDir()); err != nil {
		errs = append(errs, fmt.Errorf("failed to record failed build: %w", err))
	}
	if err := os.Remove(snapshotPath(b.cfg)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove environment snapshot: %w", err))
	}

	slogctx.FromCtx(ctx).ErrorContext(ctx, "build failed", slog.String("stage", string(stage)), slog.Any("error", cause))
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}
