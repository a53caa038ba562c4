// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"slices"

	"github.com/stratabuild/strata/pkg/buildfile"
)

// SelectCommand maps an activation request to the command to run: the
// given argv when there is one, otherwise the definition's idle command.
func SelectCommand(argv []string, def *buildfile.Definition) []string {
	if len(argv) > 0 {
		return slices.Clone(argv)
	}
	if def == nil {
		return buildfile.Default().IdleCommand()
	}
	return def.IdleCommand()
}
