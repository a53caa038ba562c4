// SPDX-License-Identifier: MPL-2.0

// Package config loads the strata user configuration with Viper, using CUE
// as the file format.
//
// The file lives at $XDG_CONFIG_HOME/strata/config.cue (platform equivalents
// on macOS and Windows), is validated against the embedded config_schema.cue
// and merged over built-in defaults. STRATA_* environment variables override
// both, with dots in keys replaced by underscores (STRATA_BUILD_TIMEOUT).
package config
