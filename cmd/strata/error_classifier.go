// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/stratabuild/strata/internal/activate"
	"github.com/stratabuild/strata/internal/container"
	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/issue"
	"github.com/stratabuild/strata/internal/pkgmgr"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/pkg/buildfile"
	"github.com/stratabuild/strata/pkg/cueutil"
	"github.com/stratabuild/strata/pkg/types"
)

// errUsage marks command-line mistakes cobra reports, such as an unknown flag.
var errUsage = errors.New("usage error")

var exitIssues = map[types.ExitCode]issue.Id{
	types.ExitArtifact:          issue.ArtifactUnavailableId,
	types.ExitPackageInstall:    issue.PackageInstallFailedId,
	types.ExitPathConflict:      issue.PathConflictId,
	types.ExitDependencyResolve: issue.DependencyResolutionFailedId,
	types.ExitUnresolvedBinding: issue.UnresolvedBindingId,
	types.ExitBuildTimeout:      issue.BuildTimeoutId,
	types.ExitNotActivatable:    issue.NotActivatableId,
}

// classifyError maps a command failure to its exit code and the issue
// catalog entry explaining it. The timeout class wins over the cause it
// interrupted.
func classifyError(err error) (types.ExitCode, issue.Id) {
	code := exitCode(err)
	id := exitIssues[code]
	switch {
	case errors.Is(err, container.ErrEngineNotAvailable):
		id = issue.ContainerEngineNotFoundId
	case errors.Is(err, provision.ErrBuildLocked):
		id = issue.BuildLockedId
	case code == types.ExitUsage:
		id = issue.DefinitionInvalidId
		var ae *issue.ActionableError
		if errors.As(err, &ae) && ae.IssueID != 0 {
			id = ae.IssueID
		}
	}
	return code, id
}

func exitCode(err error) types.ExitCode {
	switch {
	case err == nil:
		return types.ExitOK
	case errors.Is(err, provision.ErrBuildTimeout):
		return types.ExitBuildTimeout
	case errors.Is(err, activate.ErrNotActivatable):
		return types.ExitNotActivatable
	case errors.Is(err, provision.ErrArtifactUnavailable):
		return types.ExitArtifact
	case errors.Is(err, pkgmgr.ErrPackageInstall),
		errors.Is(err, pkgmgr.ErrCachePurge),
		errors.Is(err, pkgmgr.ErrNoPackageManager):
		return types.ExitPackageInstall
	case errors.Is(err, provision.ErrPathConflict):
		return types.ExitPathConflict
	case errors.Is(err, depsync.ErrDependencyResolution),
		errors.Is(err, depsync.ErrInvalidManifest),
		errors.Is(err, depsync.ErrInvalidLock),
		errors.Is(err, depsync.ErrUnsupportedLockVersion),
		errors.Is(err, depsync.ErrPackageNotFound),
		errors.Is(err, depsync.ErrDigestMismatch):
		return types.ExitDependencyResolve
	case errors.Is(err, envwire.ErrUnresolvedBinding):
		return types.ExitUnresolvedBinding
	}

	// A stage failure outside these classes is a plain failure, whatever
	// the stage.
	var se *provision.StageError
	if errors.As(err, &se) {
		return types.ExitFailure
	}

	if isUsageError(err) {
		return types.ExitUsage
	}
	return types.ExitFailure
}

// isUsageError reports errors in what the user asked for rather than in
// the build itself: flags, the definition file and the configuration.
func isUsageError(err error) bool {
	var (
		ae  *issue.ActionableError
		cve *cueutil.ValidationError
		dve buildfile.ValidationErrors
	)
	switch {
	case errors.Is(err, errUsage),
		errors.Is(err, buildfile.ErrMalformedFlag),
		errors.Is(err, buildfile.ErrInvalidPackageName),
		errors.Is(err, buildfile.ErrRelativePath),
		errors.Is(err, buildfile.ErrInexactReference),
		errors.Is(err, buildfile.ErrInvalidEnvVarName),
		errors.Is(err, buildfile.ErrReservedVariable),
		errors.Is(err, buildfile.ErrEnvIsWorkspace),
		errors.Is(err, buildfile.ErrEmptyIdleCommand),
		errors.Is(err, buildfile.ErrDuplicateDestination),
		errors.As(err, &cve),
		errors.As(err, &dve):
		return true
	case errors.As(err, &ae):
		return ae.IssueID == issue.DefinitionInvalidId || ae.IssueID == issue.ConfigLoadFailedId
	}
	return false
}

// failure wraps err for Execute: the exit code it maps to and the styled
// rendering the error handler prints.
func (a *App) failure(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	code, id := classifyError(err)
	styled := fmt.Sprintf("\n%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, a.verbose))
	return &ExitError{Code: code, Err: newServiceError(err, id, styled)}
}

// formatErrorForDisplay uses ActionableError.Format when available; in
// verbose mode that includes the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
