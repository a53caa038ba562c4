// SPDX-License-Identifier: MPL-2.0

package buildfile

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/stratabuild/strata/pkg/cueutil"
)

//go:embed strata_schema.cue
var schemaSource []byte

var schema = cueutil.MustSchema(schemaSource, "#Definition")

// Parse reads and validates the definition at path.
func Parse(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition at %s: %w", path, err)
	}
	return ParseBytes(data, path)
}

// ParseBytes decodes definition content against the embedded schema and
// runs Validate on the result.
func ParseBytes(data []byte, path string) (*Definition, error) {
	res, err := cueutil.Decode[Definition](schema, data, cueutil.WithFilename(path))
	if err != nil {
		return nil, err
	}

	def := res.Value
	def.FilePath = path
	if def.Env == nil {
		def.Env = map[string]string{}
	}
	if def.BaseEnv == nil {
		def.BaseEnv = map[string]string{}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Load parses path when it exists and falls back to Default otherwise.
// When required is true a missing file is an error.
func Load(path string, required bool) (*Definition, error) {
	def, err := Parse(path)
	if err == nil {
		return def, nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return nil, err
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
