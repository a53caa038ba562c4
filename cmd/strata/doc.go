// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the strata command tree.
//
// Commands delegate to internal/provision for builds, plans and images,
// to internal/activate for running workloads, and to internal/depsync for
// lock management. Failures are classified into the documented exit codes
// and rendered with the matching issue catalog entry.
package cmd
