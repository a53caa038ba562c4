// SPDX-License-Identifier: MPL-2.0

// Package benchmark provides benchmarks for PGO profile generation.
// They cover the hot paths of a strata build:
//   - CUE parsing and schema validation of strata.cue
//   - Source tree digests behind the stage cache keys
//   - Dependency resolution against a directory registry
//   - Environment wiring
//   - A no-op rebuild, where every stage is skipped
//
// To generate a PGO profile, run:
//
//	go test -run '^$' -bench . -cpuprofile default.pgo ./internal/benchmark
package benchmark
