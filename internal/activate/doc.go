// SPDX-License-Identifier: MPL-2.0

// Package activate enters a provisioned environment: it resolves the
// environment snapshot of a Ready build against the caller's variables
// and runs either the requested workload or the idle entrypoint in it.
package activate
