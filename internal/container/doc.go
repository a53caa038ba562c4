// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker or Podman through their CLIs.
//
// The Engine interface covers what environment provisioning needs: building
// an image from a Dockerfile, pulling and probing images, and copying files
// out of an image through a created (never started) container. The docker
// and podman engines are one CLIEngine with a per-CLI flavor; BaseCLIEngine
// owns argument construction and command execution and accepts an
// ExecCommandFunc so tests can substitute the process they spawn.
//
// NewEngine selects a preferred engine and falls back to the other one;
// AutoDetectEngine tries Podman first.
package container
