// SPDX-License-Identifier: MPL-2.0

package envwire

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/stratabuild/strata/internal/fsutil"
)

// SnapshotFile is the name of the activation snapshot in the state dir.
const SnapshotFile = "environment.toml"

// Marshal encodes the set as TOML sorted by name.
func (s *Set) Marshal() ([]byte, error) {
	c := Set{Entries: slices.Clone(s.Entries)}
	slices.SortFunc(c.Entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes the snapshot atomically and read-only.
func (s *Set) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode environment: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o444)
}

// LoadSnapshot reads a snapshot written by Save.
func LoadSnapshot(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Set
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("invalid environment snapshot %s: %w", path, err)
	}
	for _, e := range s.Entries {
		if e.Mode != ModeSet && e.Mode != ModePrepend {
			return nil, fmt.Errorf("invalid environment snapshot %s: %s has mode %q", path, e.Name, e.Mode)
		}
	}
	slices.SortFunc(s.Entries, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return &s, nil
}
