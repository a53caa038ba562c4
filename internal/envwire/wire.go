// SPDX-License-Identifier: MPL-2.0

package envwire

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/stratabuild/strata/pkg/buildfile"
)

// ListSeparator joins search-path entries.
const ListSeparator = ":"

var (
	// ErrUnresolvedBinding is wrapped by UnresolvedBindingError.
	ErrUnresolvedBinding = errors.New("unresolved native library binding")
	// ErrForwardReference is wrapped by ForwardReferenceError.
	ErrForwardReference = errors.New("variable references a path no earlier stage produced")
	// ErrDuplicateVariable is returned when two sources define one name.
	ErrDuplicateVariable = errors.New("duplicate environment variable")
)

type (
	// Mode says how an entry combines with an inherited value.
	Mode string

	// Inputs are everything the wiring depends on.
	Inputs struct {
		// EnvDir is the isolated dependency environment.
		EnvDir string
		// EnvVariable receives EnvDir, VIRTUAL_ENV by default.
		EnvVariable   string
		WorkspaceRoot string
		Bindings      []buildfile.Binding
		// Static are literal variables from the definition.
		Static map[string]string
		// Provided are the config paths the package stage committed.
		Provided []string
		// Committed are the directories earlier stages committed.
		Committed []string
	}

	// Entry is one variable of the environment.
	Entry struct {
		Name  string `toml:"name"`
		Value string `toml:"value"`
		Mode  Mode   `toml:"mode"`
	}

	// Set is a wired environment with unique names in sorted order.
	Set struct {
		Entries []Entry `toml:"variable"`
	}

	// UnresolvedBindingError reports a binding whose config file the
	// package stage did not install.
	UnresolvedBindingError struct {
		Library string
		Config  string
	}

	// ForwardReferenceError reports a path-valued variable pointing at a
	// location no earlier stage committed.
	ForwardReferenceError struct {
		Variable string
		Path     string
	}

	// DuplicateVariableError names a variable defined twice.
	DuplicateVariableError struct {
		Name string
	}
)

const (
	// ModeSet replaces any inherited value.
	ModeSet Mode = "set"
	// ModePrepend puts the value's entries in front of the inherited list.
	ModePrepend Mode = "prepend"
)

func (e *UnresolvedBindingError) Error() string {
	return fmt.Sprintf("binding %q needs %s, which no installed package provides", e.Library, e.Config)
}

func (e *UnresolvedBindingError) Unwrap() error { return ErrUnresolvedBinding }

func (e *ForwardReferenceError) Error() string {
	return fmt.Sprintf("%s references %s, which no earlier stage produced", e.Variable, e.Path)
}

func (e *ForwardReferenceError) Unwrap() error { return ErrForwardReference }

func (e *DuplicateVariableError) Error() string {
	return fmt.Sprintf("environment variable %s is defined more than once", e.Name)
}

func (e *DuplicateVariableError) Unwrap() error { return ErrDuplicateVariable }

// Wire computes the environment. Bindings are checked first, so a binding
// whose config is missing always reports UnresolvedBindingError.
func Wire(in Inputs) (*Set, error) {
	provided := cleanSet(in.Provided)
	committed := cleanSet(in.Committed)

	var entries []Entry
	for _, b := range in.Bindings {
		cfg := path.Clean(b.Config)
		if !provided[cfg] {
			return nil, &UnresolvedBindingError{Library: b.Library, Config: b.Config}
		}
		entries = append(entries, Entry{Name: b.VariableName(), Value: cfg, Mode: ModeSet})
	}

	envVar := in.EnvVariable
	if envVar == "" {
		envVar = "VIRTUAL_ENV"
	}
	binDir := path.Join(in.EnvDir, "bin")
	pathValued := []Entry{
		{Name: buildfile.PathVariable, Value: binDir, Mode: ModePrepend},
		{Name: envVar, Value: path.Clean(in.EnvDir), Mode: ModeSet},
		{Name: buildfile.WorkspaceVariable, Value: path.Clean(in.WorkspaceRoot), Mode: ModeSet},
	}
	for _, e := range pathValued {
		if !committed[e.Value] {
			return nil, &ForwardReferenceError{Variable: e.Name, Path: e.Value}
		}
	}
	entries = append(entries, pathValued...)

	for name, value := range in.Static {
		entries = append(entries, Entry{Name: name, Value: value, Mode: ModeSet})
	}

	slices.SortFunc(entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	for i := 1; i < len(entries); i++ {
		if entries[i].Name == entries[i-1].Name {
			return nil, &DuplicateVariableError{Name: entries[i].Name}
		}
	}
	return &Set{Entries: entries}, nil
}

// Compose prepends entries to the inherited list, dropping inherited
// entries that repeat one of them.
func Compose(entries []string, inherited string) string {
	out := slices.Clone(entries)
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e] = true
	}
	if inherited != "" {
		for _, e := range strings.Split(inherited, ListSeparator) {
			if seen[e] {
				continue
			}
			out = append(out, e)
		}
	}
	return strings.Join(out, ListSeparator)
}

// Lookup returns the entry called name.
func (s *Set) Lookup(name string) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(s.Entries, name, func(e Entry, n string) int {
		return strings.Compare(e.Name, n)
	})
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// Resolve applies the set to inherited and returns the resulting
// variables. inherited is not modified.
func (s *Set) Resolve(inherited map[string]string) map[string]string {
	out := make(map[string]string, len(inherited)+len(s.Entries))
	for k, v := range inherited {
		out[k] = v
	}
	for _, e := range s.Entries {
		switch e.Mode {
		case ModePrepend:
			out[e.Name] = Compose(strings.Split(e.Value, ListSeparator), inherited[e.Name])
		default:
			out[e.Name] = e.Value
		}
	}
	return out
}

// Environ resolves the set against an os.Environ style list and returns
// the result in the same form, sorted.
func (s *Set) Environ(inherited []string) []string {
	base := make(map[string]string, len(inherited))
	for _, kv := range inherited {
		if k, v, ok := strings.Cut(kv, "="); ok {
			base[k] = v
		}
	}
	resolved := s.Resolve(base)
	out := make([]string, 0, len(resolved))
	for k, v := range resolved {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func cleanSet(paths []string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[path.Clean(p)] = true
	}
	return m
}
