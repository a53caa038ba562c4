// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

type workspaceStage struct{}

func (s *workspaceStage) Name() StageName { return StageWorkspace }

func (s *workspaceStage) Phase() Phase { return PhaseWorkspacePrepared }

func (s *workspaceStage) Key(_ context.Context, b *Build) (digest.Digest, error) {
	return newKey(StageWorkspace).
		field("root", path.Clean(b.Def.Workspace.Root)).
		field("env", path.Clean(b.Def.Workspace.Env)).
		digest(), nil
}

func (s *workspaceStage) Verify(_ context.Context, b *Build, rec *Record) error {
	for _, p := range rec.Provides {
		info, err := os.Stat(b.HostPath(p))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrStageOutputMissing, p)
		}
	}
	return nil
}

// Run creates the workspace root and the environment directory. On
// failure the directories this run created are removed again.
func (s *workspaceStage) Run(_ context.Context, b *Build) (rec *Record, err error) {
	dirs := []string{path.Clean(b.Def.Workspace.Root), path.Clean(b.Def.Workspace.Env)}

	for _, d := range dirs {
		if err := checkDir(b.HostPath(d), d); err != nil {
			return nil, err
		}
	}

	var created []string
	defer func() {
		if err != nil {
			for i := len(created) - 1; i >= 0; i-- {
				_ = os.Remove(created[i])
			}
		}
	}()

	for _, d := range dirs {
		host := b.HostPath(d)
		missing, err := missingAncestors(host)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(host, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", d, err)
		}
		created = append(created, missing...)
	}

	return &Record{Provides: dirs}, nil
}

// checkDir fails with PathConflictError when host or one of its ancestors
// exists as a non-directory.
func checkDir(host, display string) error {
	for p := host; ; p = filepath.Dir(p) {
		info, err := os.Stat(p)
		switch {
		case err == nil && !info.IsDir():
			return &PathConflictError{Path: display}
		case err == nil:
			return nil
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		if parent := filepath.Dir(p); parent == p {
			return nil
		}
	}
}

// missingAncestors lists host and its ancestors that do not exist yet,
// outermost first.
func missingAncestors(host string) ([]string, error) {
	var out []string
	for p := host; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		out = append([]string{p}, out...)
		if parent := filepath.Dir(p); parent == p {
			break
		}
	}
	return out, nil
}
