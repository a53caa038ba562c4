// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalog of Markdown help
// entries, rendered with glamour, that the CLI prints after a failed build.
package issue
