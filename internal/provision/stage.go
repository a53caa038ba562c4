// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/stratabuild/strata/pkg/buildfile"
)

const (
	StageArtifacts    StageName = "artifacts"
	StagePackages     StageName = "packages"
	StageWorkspace    StageName = "workspace"
	StageDependencies StageName = "dependencies"
	StageSource       StageName = "source"
	StageEnvironment  StageName = "environment"
)

var (
	// ErrArtifactUnavailable is wrapped by ArtifactUnavailableError.
	ErrArtifactUnavailable = errors.New("artifact unavailable")
	// ErrPathConflict is wrapped by PathConflictError.
	ErrPathConflict = errors.New("path conflict")
	// ErrBuildTimeout is wrapped by BuildTimeoutError.
	ErrBuildTimeout = errors.New("build timed out")
	// ErrStageOutputMissing is returned by Verify when committed output
	// is gone.
	ErrStageOutputMissing = errors.New("stage output missing")
)

type (
	// StageName identifies a pipeline stage.
	StageName string

	// Stage is one step of the pipeline. Run either commits the stage's
	// complete output or leaves the previous output untouched.
	Stage interface {
		Name() StageName
		// Phase is the phase the pipeline enters once the stage commits.
		Phase() Phase
		// Key digests every input that determines the stage's output.
		Key(ctx context.Context, b *Build) (digest.Digest, error)
		// Verify checks that the output described by rec is still present.
		Verify(ctx context.Context, b *Build, rec *Record) error
		Run(ctx context.Context, b *Build) (*Record, error)
	}

	// Build is the state shared by the stages of one build.
	Build struct {
		Def    *buildfile.Definition
		Config *Config
		// Previous is the state left by the last build.
		Previous *State
		records  map[StageName]*Record
	}

	// StageError names the stage a build failed in.
	StageError struct {
		Stage StageName
		Err   error
	}

	// BuildTimeoutError reports that the build exceeded its time budget.
	BuildTimeoutError struct {
		Stage   StageName
		Timeout time.Duration
		Err     error
	}

	// ArtifactUnavailableError reports an artifact whose image or path
	// cannot be resolved.
	ArtifactUnavailableError struct {
		Image string
		Path  string
		Err   error
	}

	// PathConflictError reports a workspace path occupied by a
	// non-directory.
	PathConflictError struct {
		Path string
	}
)

func newBuild(def *buildfile.Definition, cfg *Config, prev *State) *Build {
	return &Build{Def: def, Config: cfg, Previous: prev, records: map[StageName]*Record{}}
}

// Record returns the record a stage committed or reused in this build.
func (b *Build) Record(name StageName) *Record {
	return b.records[name]
}

// PreviousRecord returns the stage's record from the last build.
func (b *Build) PreviousRecord(name StageName) *Record {
	if b.Previous == nil {
		return nil
	}
	return b.Previous.Stages[string(name)]
}

// HostPath maps an in-root path to the host.
func (b *Build) HostPath(p string) string {
	return b.Config.HostPath(p)
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *BuildTimeoutError) Error() string {
	return fmt.Sprintf("build exceeded its %s timeout during stage %s", e.Timeout, e.Stage)
}

func (e *BuildTimeoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrBuildTimeout, e.Err}
	}
	return []error{ErrBuildTimeout}
}

func (e *ArtifactUnavailableError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("artifact %s from %s is unavailable: %v", e.Path, e.Image, e.Err)
	}
	return fmt.Sprintf("image %s is unavailable: %v", e.Image, e.Err)
}

func (e *ArtifactUnavailableError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrArtifactUnavailable, e.Err}
	}
	return []error{ErrArtifactUnavailable}
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("%s exists and is not a directory", e.Path)
}

func (e *PathConflictError) Unwrap() error { return ErrPathConflict }
