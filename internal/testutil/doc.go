// SPDX-License-Identifier: MPL-2.0

// Package testutil holds fixtures shared by strata's tests: file helpers,
// package registries laid out on disk (WriteRegistry) and a process-wide
// cap on concurrent container builds (AcquireContainerSlot).
package testutil
