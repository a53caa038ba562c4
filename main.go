// SPDX-License-Identifier: MPL-2.0

// Command strata provisions reproducible runtime environments.
package main

import cmd "github.com/stratabuild/strata/cmd/strata"

func main() {
	cmd.Execute()
}
