// SPDX-License-Identifier: MPL-2.0

// Package depsync turns an application's dependency manifest and optional
// lock into an isolated dependency environment.
//
// A lock pins the full transitive closure by name, version and content
// digest. Without one the resolver computes it deterministically from the
// manifest and the lock is persisted once the environment is in place.
// Synchronization is transactional: the new tree is assembled in a staging
// directory and swapped in, and any failure leaves the previous tree
// untouched.
package depsync
