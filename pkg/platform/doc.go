// SPDX-License-Identifier: MPL-2.0

// Package platform detects the application sandbox strata runs in.
//
// Inside a Flatpak or Snap sandbox the container engine lives on the host,
// so engine invocations have to go through the sandbox's host spawn
// command for paths and sockets to resolve.
package platform
