// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFlag is wrapped by MalformedFlagError.
var ErrMalformedFlag = errors.New("malformed flag value")

type (
	// MalformedFlagError reports a flag value that does not follow its syntax.
	MalformedFlagError struct {
		Flag   string
		Value  string
		Syntax string
	}

	// Overlay carries command-line values that amend a definition. Scalar
	// fields replace the definition's value when set; list entries are
	// appended, except bindings which replace an existing binding for the
	// same library.
	Overlay struct {
		Manifest  string
		Lock      string
		Packages  []string
		Artifacts []string
		Bindings  []string
		Env       []string
	}
)

func (e *MalformedFlagError) Error() string {
	return fmt.Sprintf("--%s %q: expected %s", e.Flag, e.Value, e.Syntax)
}

func (e *MalformedFlagError) Unwrap() error { return ErrMalformedFlag }

// ParsePackage parses "name" or "name=version".
func ParsePackage(s string) (Package, error) {
	name, version, _ := strings.Cut(strings.TrimSpace(s), "=")
	if name == "" {
		return Package{}, &MalformedFlagError{Flag: "packages", Value: s, Syntax: "name or name=version"}
	}
	if err := ValidatePackageName(name); err != nil {
		return Package{}, err
	}
	return Package{Name: name, Version: version}, nil
}

// ParseArtifact parses "image=source=destination".
func ParseArtifact(s string) (Artifact, error) {
	parts := strings.Split(strings.TrimSpace(s), "=")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Artifact{}, &MalformedFlagError{Flag: "artifact", Value: s, Syntax: "image=source=destination"}
	}
	return Artifact{Image: parts[0], Source: parts[1], Destination: parts[2]}, nil
}

// ParseBinding parses "library=config" or "library:VARIABLE=config".
func ParseBinding(s string) (Binding, error) {
	left, config, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || left == "" || config == "" {
		return Binding{}, &MalformedFlagError{Flag: "binding", Value: s, Syntax: "library[:VARIABLE]=config"}
	}
	lib, variable, _ := strings.Cut(left, ":")
	if lib == "" {
		return Binding{}, &MalformedFlagError{Flag: "binding", Value: s, Syntax: "library[:VARIABLE]=config"}
	}
	return Binding{Library: lib, Config: config, Variable: variable}, nil
}

// Empty reports whether the overlay changes nothing.
func (o Overlay) Empty() bool {
	return o.Manifest == "" && o.Lock == "" && len(o.Packages) == 0 &&
		len(o.Artifacts) == 0 && len(o.Bindings) == 0 && len(o.Env) == 0
}

// Apply amends def in place and re-validates it.
func (o Overlay) Apply(def *Definition) error {
	if o.Manifest != "" {
		def.Dependencies.Manifest = o.Manifest
	}
	if o.Lock != "" {
		def.Dependencies.Lock = o.Lock
	}

	for _, raw := range o.Packages {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := ParsePackage(raw)
		if err != nil {
			return err
		}
		def.Packages = append(def.Packages, p)
	}

	for _, raw := range o.Artifacts {
		a, err := ParseArtifact(raw)
		if err != nil {
			return err
		}
		def.Artifacts = append(def.Artifacts, a)
	}

	for _, raw := range o.Bindings {
		b, err := ParseBinding(raw)
		if err != nil {
			return err
		}
		replaced := false
		for i := range def.Bindings {
			if def.Bindings[i].Library == b.Library {
				def.Bindings[i] = b
				replaced = true
			}
		}
		if !replaced {
			def.Bindings = append(def.Bindings, b)
		}
	}

	for _, raw := range o.Env {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return &MalformedFlagError{Flag: "env", Value: raw, Syntax: "NAME=value"}
		}
		if def.Env == nil {
			def.Env = map[string]string{}
		}
		def.Env[name] = value
	}

	return def.Validate()
}
