// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"github.com/pelletier/go-toml/v2"
)

// PyprojectFilename selects PEP 621 parsing of the manifest.
const PyprojectFilename = "pyproject.toml"

var (
	// ErrInvalidManifest is wrapped by every manifest parse failure.
	ErrInvalidManifest = errors.New("invalid dependency manifest")

	nameSeparators = regexp.MustCompile(`[-_.]+`)
	// pep508 captures the name and the version specifier of a requirement,
	// ignoring extras and environment markers.
	pep508 = regexp.MustCompile(`^\s*([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[[^\]]*\])?\s*\(?([^;)]*)\)?\s*(?:;.*)?$`)
)

type (
	// Manifest is the application's direct requirements.
	Manifest struct {
		Path         string
		Requirements []Requirement
	}

	// Requirement is one direct dependency and its version constraint.
	Requirement struct {
		Name string
		// Constraint is the semver constraint, "*" when unconstrained.
		Constraint string
	}

	strataManifest struct {
		Dependencies map[string]string `toml:"dependencies"`
	}

	pyprojectManifest struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
)

// NormalizeName lowercases name and collapses separator runs to "-", so
// Mecab_Python3 and mecab-python3 name the same package.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// LoadManifest reads a manifest file. An empty path is the empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data, path)
}

// ParseManifest parses a strata TOML manifest ([dependencies] name =
// "constraint") or, when path names a pyproject.toml, the PEP 621
// [project] dependencies list.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	m := &Manifest{Path: path}
	byName := map[string]string{}

	if filepath.Base(path) == PyprojectFilename {
		var doc pyprojectManifest
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
		}
		for _, spec := range doc.Project.Dependencies {
			name, constraint, err := ParsePEP508(spec)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
			}
			if err := mergeRequirement(byName, name, constraint); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
			}
		}
	} else {
		var doc strataManifest
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
		}
		for name, constraint := range doc.Dependencies {
			if strings.TrimSpace(constraint) == "" {
				constraint = "*"
			}
			if _, err := semver.NewConstraint(constraint); err != nil {
				return nil, fmt.Errorf("%w: %s: %s: %w", ErrInvalidManifest, path, name, err)
			}
			if err := mergeRequirement(byName, NormalizeName(name), constraint); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, path, err)
			}
		}
	}

	for name, c := range byName {
		m.Requirements = append(m.Requirements, Requirement{Name: name, Constraint: c})
	}
	slices.SortFunc(m.Requirements, func(a, b Requirement) int { return strings.Compare(a.Name, b.Name) })
	return m, nil
}

// mergeRequirement intersects repeated requirements on one name.
func mergeRequirement(byName map[string]string, name, constraint string) error {
	if name == "" {
		return errors.New("empty dependency name")
	}
	prev, ok := byName[name]
	switch {
	case !ok || prev == "*":
		byName[name] = constraint
	case constraint != "*":
		byName[name] = prev + ", " + constraint
	}
	return nil
}

// Digest identifies the manifest's requirement set independently of
// formatting and declaration order.
func (m *Manifest) Digest() digest.Digest {
	var b strings.Builder
	for _, r := range m.Requirements {
		fmt.Fprintf(&b, "%s\x00%s\n", r.Name, r.Constraint)
	}
	return digest.FromString(b.String())
}

// ParsePEP508 splits a PEP 508 requirement into a normalized name and an
// equivalent semver constraint.
func ParsePEP508(spec string) (name, constraint string, err error) {
	m := pep508.FindStringSubmatch(spec)
	if m == nil {
		return "", "", fmt.Errorf("unparsable requirement %q", spec)
	}
	name = NormalizeName(m[1])
	constraint, err = PEP440ToSemver(m[2])
	if err != nil {
		return "", "", fmt.Errorf("requirement %q: %w", spec, err)
	}
	return name, constraint, nil
}

// PEP440ToSemver maps a PEP 440 specifier list (">=1.0,<2", "~=1.4",
// "==1.*") to a semver constraint string. An empty list is "*".
func PEP440ToSemver(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "*", nil
	}

	var parts []string
	for _, clause := range strings.Split(spec, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		c, err := pep440Clause(clause)
		if err != nil {
			return "", err
		}
		parts = append(parts, c)
	}
	out := strings.Join(parts, ", ")
	if _, err := semver.NewConstraint(out); err != nil {
		return "", fmt.Errorf("specifier %q: %w", spec, err)
	}
	return out, nil
}

func pep440Clause(clause string) (string, error) {
	for _, op := range []string{"===", "~=", "==", "!=", ">=", "<=", ">", "<"} {
		if !strings.HasPrefix(clause, op) {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(clause, op))
		switch op {
		case "===":
			return "=" + padRelease(v), nil
		case "~=":
			return compatibleRelease(v)
		case "==":
			if strings.HasSuffix(v, ".*") {
				return strings.TrimSuffix(v, ".*") + ".x", nil
			}
			return "=" + padRelease(v), nil
		case "!=":
			if strings.HasSuffix(v, ".*") {
				return "", fmt.Errorf("unsupported specifier %q: series exclusion", clause)
			}
			return "!=" + padRelease(v), nil
		default:
			return op + v, nil
		}
	}
	return "", fmt.Errorf("unsupported specifier %q", clause)
}

// compatibleRelease expands ~=X.Y[.Z] to >=X.Y[.Z], <X+1[.Y+1].
func compatibleRelease(v string) (string, error) {
	segs := strings.Split(v, ".")
	if len(segs) < 2 {
		return "", fmt.Errorf("~=%s needs at least two release segments", v)
	}
	return ">=" + v + ", <" + bumpLast(strings.Join(segs[:len(segs)-1], ".")), nil
}

// padRelease pads a release to three segments; semver treats a shorter
// exact version as a wildcard.
func padRelease(v string) string {
	for strings.Count(v, ".") < 2 {
		v += ".0"
	}
	return v
}

// bumpLast increments the last numeric segment of a dotted version.
func bumpLast(v string) string {
	segs := strings.Split(v, ".")
	last := segs[len(segs)-1]
	var n int
	if _, err := fmt.Sscanf(last, "%d", &n); err != nil {
		return v
	}
	segs[len(segs)-1] = fmt.Sprint(n + 1)
	return strings.Join(segs, ".")
}
