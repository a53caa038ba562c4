// SPDX-License-Identifier: MPL-2.0

// Package envwire computes the environment variables of a provisioned
// environment. Wire is a pure function of the paths earlier stages
// committed; it never touches the filesystem. Search-path variables are
// prepended to whatever value the activating process inherits.
package envwire
