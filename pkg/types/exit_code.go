// SPDX-License-Identifier: MPL-2.0

package types

import (
	"errors"
	"fmt"
	"strconv"
)

// Exit codes returned by the strata CLI. Each failing build class maps to
// its own code so scripts can branch on the cause without parsing output.
const (
	ExitOK                ExitCode = 0
	ExitFailure           ExitCode = 1
	ExitUsage             ExitCode = 2
	ExitArtifact          ExitCode = 10
	ExitPackageInstall    ExitCode = 11
	ExitPathConflict      ExitCode = 12
	ExitDependencyResolve ExitCode = 13
	ExitUnresolvedBinding ExitCode = 14
	ExitBuildTimeout      ExitCode = 15
	ExitNotActivatable    ExitCode = 16
)

// ErrInvalidExitCode is the sentinel error wrapped by InvalidExitCodeError.
var ErrInvalidExitCode = errors.New("invalid exit code")

type (
	// ExitCode is a process exit status in the POSIX range 0-255.
	ExitCode int

	// InvalidExitCodeError is returned when an ExitCode is outside 0-255.
	InvalidExitCodeError struct {
		Value ExitCode
	}
)

func (e *InvalidExitCodeError) Error() string {
	return fmt.Sprintf("invalid exit code %d (must be in range 0-255)", e.Value)
}

func (e *InvalidExitCodeError) Unwrap() error { return ErrInvalidExitCode }

// Validate returns an error if the ExitCode is outside the valid range.
func (c ExitCode) Validate() error {
	if c < 0 || c > 255 {
		return &InvalidExitCodeError{Value: c}
	}
	return nil
}

// IsSuccess reports whether the code is zero.
func (c ExitCode) IsSuccess() bool { return c == ExitOK }

// IsBuildFailure reports whether the code belongs to one of the build
// failure classes (10-15).
func (c ExitCode) IsBuildFailure() bool {
	return c >= ExitArtifact && c <= ExitBuildTimeout
}

func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
