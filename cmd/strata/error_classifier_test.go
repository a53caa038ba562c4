// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stratabuild/strata/internal/activate"
	"github.com/stratabuild/strata/internal/container"
	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/internal/pkgmgr"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/pkg/buildfile"
	"github.com/stratabuild/strata/pkg/types"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode types.ExitCode
		wantID   issue.Id
	}{
		{
			name: "artifact unavailable",
			err: &provision.StageError{Stage: provision.StageArtifacts, Err: &provision.ArtifactUnavailableError{
				Image: "ghcr.io/astral-sh/uv:0.5.11", Path: "/uv", Err: errors.New("manifest unknown"),
			}},
			wantCode: types.ExitArtifact,
			wantID:   issue.ArtifactUnavailableId,
		},
		{
			name: "artifact without an engine keeps the artifact class",
			err: &provision.StageError{Stage: provision.StageArtifacts, Err: &provision.ArtifactUnavailableError{
				Image: "ghcr.io/astral-sh/uv:0.5.11",
				Err:   &container.EngineNotAvailableError{Engine: "docker", Reason: "not installed"},
			}},
			wantCode: types.ExitArtifact,
			wantID:   issue.ContainerEngineNotFoundId,
		},
		{
			name:     "package install",
			err:      &provision.StageError{Stage: provision.StagePackages, Err: &pkgmgr.PackageInstallError{Package: "mecab", Err: errors.New("exit status 100")}},
			wantCode: types.ExitPackageInstall,
			wantID:   issue.PackageInstallFailedId,
		},
		{
			name:     "cache purge failure is a package failure",
			err:      &pkgmgr.CachePurgeError{Manager: "apt", Err: errors.New("read-only file system")},
			wantCode: types.ExitPackageInstall,
			wantID:   issue.PackageInstallFailedId,
		},
		{
			name:     "no package manager",
			err:      fmt.Errorf("install: %w", pkgmgr.ErrNoPackageManager),
			wantCode: types.ExitPackageInstall,
			wantID:   issue.PackageInstallFailedId,
		},
		{
			name:     "path conflict",
			err:      &provision.StageError{Stage: provision.StageWorkspace, Err: &provision.PathConflictError{Path: "/app"}},
			wantCode: types.ExitPathConflict,
			wantID:   issue.PathConflictId,
		},
		{
			name:     "dependency resolution",
			err:      &provision.StageError{Stage: provision.StageDependencies, Err: &depsync.DependencyResolutionError{Err: errors.New("registry offline")}},
			wantCode: types.ExitDependencyResolve,
			wantID:   issue.DependencyResolutionFailedId,
		},
		{
			name:     "unresolved binding",
			err:      &provision.StageError{Stage: provision.StageEnvironment, Err: &envwire.UnresolvedBindingError{Library: "mecab", Config: "/etc/mecabrc"}},
			wantCode: types.ExitUnresolvedBinding,
			wantID:   issue.UnresolvedBindingId,
		},
		{
			name: "timeout wins over the interrupted cause",
			err: &provision.BuildTimeoutError{
				Stage:   provision.StagePackages,
				Timeout: time.Minute,
				Err:     &pkgmgr.PackageInstallError{Package: "mecab", Err: context.DeadlineExceeded},
			},
			wantCode: types.ExitBuildTimeout,
			wantID:   issue.BuildTimeoutId,
		},
		{
			name:     "not activatable",
			err:      fmt.Errorf("%w: last build is Failed", activate.ErrNotActivatable),
			wantCode: types.ExitNotActivatable,
			wantID:   issue.NotActivatableId,
		},
		{
			name:     "workspace stage failure without a class of its own",
			err:      &provision.StageError{Stage: provision.StageWorkspace, Err: fmt.Errorf("mkdir /app: %w", fs.ErrPermission)},
			wantCode: types.ExitFailure,
		},
		{
			name:     "dependencies stage I/O failure",
			err:      &provision.StageError{Stage: provision.StageDependencies, Err: fmt.Errorf("failed to digest environment: %w", fs.ErrPermission)},
			wantCode: types.ExitFailure,
		},
		{
			name: "locked package missing from the registry",
			err: &provision.StageError{Stage: provision.StageDependencies,
				Err: fmt.Errorf("failed to fetch tiny 1.0.2: %w", depsync.ErrPackageNotFound)},
			wantCode: types.ExitDependencyResolve,
			wantID:   issue.DependencyResolutionFailedId,
		},
		{
			name:     "malformed lock",
			err:      &provision.StageError{Stage: provision.StageDependencies, Err: fmt.Errorf("%w: line 3", depsync.ErrInvalidLock)},
			wantCode: types.ExitDependencyResolve,
			wantID:   issue.DependencyResolutionFailedId,
		},
		{
			name:     "source stage failure is generic",
			err:      &provision.StageError{Stage: provision.StageSource, Err: errors.New("disk full")},
			wantCode: types.ExitFailure,
		},
		{
			name:     "build lock held",
			err:      fmt.Errorf("%w: /var/lib/strata", provision.ErrBuildLocked),
			wantCode: types.ExitFailure,
			wantID:   issue.BuildLockedId,
		},
		{
			name:     "malformed flag",
			err:      &buildfile.MalformedFlagError{Flag: "artifact", Value: "uv", Syntax: "image=source=destination"},
			wantCode: types.ExitUsage,
			wantID:   issue.DefinitionInvalidId,
		},
		{
			name:     "cobra flag error",
			err:      fmt.Errorf("%w: unknown flag: --nope", errUsage),
			wantCode: types.ExitUsage,
			wantID:   issue.DefinitionInvalidId,
		},
		{
			name: "config load failure keeps its issue",
			err: issue.NewErrorContext().
				WithOperation("load configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(errors.New("bad cue")).
				BuildError(),
			wantCode: types.ExitUsage,
			wantID:   issue.ConfigLoadFailedId,
		},
		{
			name:     "anything else",
			err:      errors.New("boom"),
			wantCode: types.ExitFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			code, id := classifyError(tt.err)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if id != tt.wantID {
				t.Errorf("issue = %d, want %d", id, tt.wantID)
			}
		})
	}
}

func TestFailure(t *testing.T) {
	t.Parallel()

	app := NewApp(Dependencies{})

	if app.failure(nil) != nil {
		t.Error("failure(nil) should be nil")
	}

	passthrough := &ExitError{Code: 3}
	if got := app.failure(passthrough); got != passthrough {
		t.Errorf("failure() should pass ExitError through, got %v", got)
	}

	err := app.failure(&provision.StageError{Stage: provision.StageWorkspace, Err: &provision.PathConflictError{Path: "/app"}})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("failure() = %T, want *ExitError", err)
	}
	if exitErr.Code != types.ExitPathConflict {
		t.Errorf("Code = %d, want %d", exitErr.Code, types.ExitPathConflict)
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatal("failure() should carry a ServiceError")
	}
	if svcErr.IssueID != issue.PathConflictId {
		t.Errorf("IssueID = %d, want %d", svcErr.IssueID, issue.PathConflictId)
	}
	if !strings.Contains(svcErr.StyledMessage, "Error:") || !strings.Contains(svcErr.StyledMessage, "/app") {
		t.Errorf("StyledMessage = %q", svcErr.StyledMessage)
	}
	if !errors.Is(err, provision.ErrPathConflict) {
		t.Error("failure() should keep the cause reachable")
	}
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	if got := exitStatus(nil); got != types.ExitOK {
		t.Errorf("exitStatus(nil) = %d", got)
	}
	if got := exitStatus(&ExitError{Code: 42}); got != 42 {
		t.Errorf("exitStatus(ExitError{42}) = %d", got)
	}
	if got := exitStatus(fmt.Errorf("wrapped: %w", envwire.ErrUnresolvedBinding)); got != types.ExitUnresolvedBinding {
		t.Errorf("exitStatus(unclassified) = %d, want %d", got, types.ExitUnresolvedBinding)
	}
}

func TestFormatErrorForDisplay(t *testing.T) {
	t.Parallel()

	plain := errors.New("plain failure")
	if got := formatErrorForDisplay(plain, false); got != "plain failure" {
		t.Errorf("plain = %q", got)
	}

	actionable := issue.NewErrorContext().
		WithOperation("load definition").
		WithSuggestion("Run 'strata plan' to check the definition").
		Wrap(errors.New("bad field")).
		BuildError()
	got := formatErrorForDisplay(actionable, false)
	if !strings.Contains(got, "load definition") {
		t.Errorf("actionable = %q, want the operation", got)
	}
}
