// SPDX-License-Identifier: MPL-2.0

// Package buildfile loads and validates strata.cue, the declarative
// description of a runtime environment: OS packages, prebuilt artifacts, the
// workspace layout, the dependency manifest and lock, the application source,
// native library bindings, static variables and the idle entrypoint.
//
// A definition can also be assembled or amended from command-line flags
// through Overlay; the result is validated the same way as a parsed file.
package buildfile
