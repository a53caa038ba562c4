// SPDX-License-Identifier: MPL-2.0

// Package fsutil holds the filesystem primitives the pipeline commits
// through: content digests of files and trees, tree copies, atomic file
// writes, timestamp normalization and transactional path replacement.
package fsutil
