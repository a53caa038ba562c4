// SPDX-License-Identifier: MPL-2.0

// Package provision builds runtime environments from a definition.
//
// A build runs six stages in a fixed order: artifacts, packages,
// workspace, dependencies, source and environment. Every stage has a
// content-addressed cache key. A stage is skipped when its key matches the
// previous build and its output is still in place; once any stage runs,
// every later stage runs too.
//
//	b := provision.NewBuilder(cfg, provision.Deps{Packages: apt, Registry: reg})
//	report, err := b.Run(ctx, def)
//
// Builds are recorded in a state file whose phase only reaches Ready when
// every stage committed. A failed build leaves nothing activatable.
//
// ImageProvisioner renders the same definition as a Dockerfile and builds
// it with a container engine, caching the image by content.
package provision
