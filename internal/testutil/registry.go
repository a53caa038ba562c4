// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
)

type (
	// Release is one package version in a directory registry fixture.
	Release struct {
		Name    string
		Version string
		// Requires maps dependency names to constraints.
		Requires map[string]string
		// Bin lists payload-relative executables.
		Bin []string
		// Files maps payload-relative paths to their content.
		Files map[string]string
	}

	releaseMeta struct {
		Requires map[string]string `toml:"requires,omitempty"`
		Bin      []string          `toml:"bin,omitempty"`
	}
)

// WriteRegistry lays releases out under root as
// <name>/<version>/requires.toml plus a files/ payload and returns root.
// A release without files gets a single placeholder so its payload exists.
func WriteRegistry(t testing.TB, root string, releases ...Release) string {
	t.Helper()

	for _, r := range releases {
		dir := filepath.Join(root, r.Name, r.Version)
		meta, err := toml.Marshal(releaseMeta{Requires: r.Requires, Bin: r.Bin})
		if err != nil {
			t.Fatalf("failed to encode %s %s: %v", r.Name, r.Version, err)
		}
		MustWriteFile(t, filepath.Join(dir, "requires.toml"), string(meta))

		files := r.Files
		if len(files) == 0 {
			files = map[string]string{r.Name + ".txt": r.Name + " " + r.Version + "\n"}
		}
		for rel, content := range files {
			MustWriteFile(t, filepath.Join(dir, "files", filepath.FromSlash(rel)), content)
		}
	}
	return root
}
