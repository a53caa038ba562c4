// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	"path/filepath"
	"slices"
	"strings"
)

const (
	// DefaultFilename is the definition file looked up in the working directory.
	DefaultFilename = "strata.cue"

	// WorkspaceVariable always points at the workspace root after wiring.
	WorkspaceVariable = "STRATA_WORKSPACE"

	// PathVariable is the search-path variable the env bin directory is
	// prepended to.
	PathVariable = "PATH"
)

type (
	// Definition declares a runtime environment: what to install, where the
	// workspace lives, how dependencies and source get there, and which
	// variables the environment exports.
	Definition struct {
		Base         string            `json:"base"`
		Packages     []Package         `json:"packages"`
		Artifacts    []Artifact        `json:"artifacts"`
		Workspace    Workspace         `json:"workspace"`
		Dependencies Dependencies      `json:"dependencies"`
		Source       Source            `json:"source"`
		Bindings     []Binding         `json:"bindings"`
		Env          map[string]string `json:"env"`
		BaseEnv      map[string]string `json:"base_env"`
		Entrypoint   Entrypoint        `json:"entrypoint"`

		// FilePath is where the definition was loaded from; empty for a
		// definition assembled from flags only.
		FilePath string `json:"-"`
	}

	// Package is one OS package. Version is passed to the package manager
	// verbatim.
	Package struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	}

	// Artifact copies Source out of the image Image to Destination.
	Artifact struct {
		Image       string `json:"image"`
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}

	// Workspace fixes the directory layout owned by the pipeline.
	Workspace struct {
		Root        string `json:"root"`
		Env         string `json:"env"`
		EnvVariable string `json:"env_variable"`
	}

	// Dependencies names the application manifest and optional lock file.
	// Relative paths resolve against the definition's directory.
	Dependencies struct {
		Manifest string `json:"manifest,omitempty"`
		Lock     string `json:"lock,omitempty"`
	}

	// Source is the application tree materialized into the workspace root.
	Source struct {
		Path    string   `json:"path"`
		Exclude []string `json:"exclude"`
	}

	// Binding ties a native library to the config file its runtime reads.
	Binding struct {
		Library  string `json:"library"`
		Config   string `json:"config"`
		Variable string `json:"variable,omitempty"`
	}

	// Entrypoint holds the command run when activation gets no command.
	Entrypoint struct {
		Idle []string `json:"idle"`
	}
)

// Default returns the definition a build starts from when no file exists.
func Default() *Definition {
	return &Definition{
		Base: "debian:stable-slim",
		Workspace: Workspace{
			Root:        "/app",
			Env:         "/app/.venv",
			EnvVariable: "VIRTUAL_ENV",
		},
		Source:     Source{Path: "."},
		Env:        map[string]string{},
		BaseEnv:    map[string]string{},
		Entrypoint: Entrypoint{Idle: []string{"sleep", "infinity"}},
	}
}

// VariableName returns the environment variable the binding exports. It
// defaults to the upper-cased library name plus "RC" (mecab -> MECABRC).
func (b Binding) VariableName() string {
	if b.Variable != "" {
		return b.Variable
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, b.Library)
	return name + "RC"
}

// String renders the package in package-manager syntax (name or name=version).
func (p Package) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "=" + p.Version
}

// Dir is the directory relative definition paths resolve against.
func (d *Definition) Dir() string {
	if d.FilePath == "" {
		return "."
	}
	return filepath.Dir(d.FilePath)
}

// ResolvePath makes p absolute relative to Dir. Empty stays empty.
func (d *Definition) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(filepath.Join(d.Dir(), p))
	if err != nil {
		return filepath.Join(d.Dir(), p)
	}
	return abs
}

// ComputedVariables lists the variable names the environment wirer
// produces; static env entries must not reuse them.
func (d *Definition) ComputedVariables() []string {
	names := []string{PathVariable, WorkspaceVariable, d.Workspace.EnvVariable}
	for _, b := range d.Bindings {
		names = append(names, b.VariableName())
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// PackageSet returns the packages sorted by name and version with exact
// duplicates removed.
func (d *Definition) PackageSet() []Package {
	set := slices.Clone(d.Packages)
	slices.SortFunc(set, func(a, b Package) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return slices.Compact(set)
}

// IdleCommand returns the configured idle entrypoint or the default.
func (d *Definition) IdleCommand() []string {
	if len(d.Entrypoint.Idle) == 0 {
		return []string{"sleep", "infinity"}
	}
	return slices.Clone(d.Entrypoint.Idle)
}
