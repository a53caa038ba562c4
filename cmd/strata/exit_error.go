// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"strconv"

	"github.com/stratabuild/strata/pkg/types"
)

// ExitError carries the process exit code out of a RunE. With a nil Err it
// is a workload's own exit status: Execute exits with Code and prints
// nothing.
type ExitError struct {
	Code types.ExitCode
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(int(e.Code))
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }
