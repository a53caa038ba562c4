// SPDX-License-Identifier: MPL-2.0

package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/envwire"
	"github.com/stratabuild/strata/internal/fsutil"
	"github.com/stratabuild/strata/internal/pkgmgr"
	"github.com/stratabuild/strata/internal/provision"
	"github.com/stratabuild/strata/internal/testutil"
	"github.com/stratabuild/strata/pkg/buildfile"
)

// sampleDefinition is a representative strata.cue for benchmarking CUE parsing.
const sampleDefinition = `
base: "debian:stable-slim"
packages: [
	{name: "mecab"},
	{name: "libmecab-dev"},
	{name: "mecab-ipadic-utf8"},
	{name: "ca-certificates"},
]
artifacts: [
	{image: "ghcr.io/astral-sh/uv:0.5.11", source: "/uv", destination: "/usr/local/bin/uv"},
	{image: "ghcr.io/astral-sh/uv:0.5.11", source: "/uvx", destination: "/usr/local/bin/uvx"},
]
workspace: {root: "/app", env: "/app/.venv"}
dependencies: manifest: "pyproject.toml"
source: {path: ".", exclude: ["*.tmp", "data", ".venv"]}
bindings: [{library: "mecab", config: "/etc/mecabrc"}]
env: {
	PYTHONUNBUFFERED: "1"
	DATABASE_URL:     "sqlite+aiosqlite:///./data.sqlite3"
}
`

// BenchmarkDefinitionParsing benchmarks CUE schema compilation and
// validation of a definition.
func BenchmarkDefinitionParsing(b *testing.B) {
	data := []byte(sampleDefinition)

	b.ResetTimer()
	for b.Loop() {
		if _, err := buildfile.ParseBytes(data, "strata.cue"); err != nil {
			b.Fatalf("ParseBytes failed: %v", err)
		}
	}
}

// BenchmarkTreeDigest benchmarks hashing a source tree, which every source
// and dependency cache key depends on.
func BenchmarkTreeDigest(b *testing.B) {
	dir := b.TempDir()
	for i := range 200 {
		testutil.MustWriteFile(b, filepath.Join(dir, fmt.Sprintf("pkg%02d", i%20), fmt.Sprintf("mod%03d.py", i)),
			fmt.Sprintf("def f%d():\n    return %d\n", i, i))
	}

	b.ResetTimer()
	for b.Loop() {
		if _, err := fsutil.TreeDigest(dir, nil); err != nil {
			b.Fatalf("TreeDigest failed: %v", err)
		}
	}
}

// BenchmarkResolve benchmarks resolving a small dependency graph against a
// directory registry.
func BenchmarkResolve(b *testing.B) {
	registry := depsync.NewDirRegistry(benchmarkRegistry(b))
	manifest, err := depsync.ParseManifest([]byte("[dependencies]\napp-core = \">=1.0\"\n"), "strata.toml")
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for b.Loop() {
		if _, err := depsync.NewResolver(registry).Resolve(ctx, manifest); err != nil {
			b.Fatalf("Resolve failed: %v", err)
		}
	}
}

// BenchmarkWire benchmarks computing the wired environment.
func BenchmarkWire(b *testing.B) {
	def, err := buildfile.ParseBytes([]byte(sampleDefinition), "strata.cue")
	if err != nil {
		b.Fatal(err)
	}
	in := envwire.Inputs{
		EnvDir:        def.Workspace.Env,
		EnvVariable:   def.Workspace.EnvVariable,
		WorkspaceRoot: def.Workspace.Root,
		Bindings:      def.Bindings,
		Static:        def.Env,
		Provided:      []string{"/etc/mecabrc"},
		Committed:     []string{"/app", "/app/.venv", "/app/.venv/bin"},
	}
	inherited := map[string]string{"PATH": "/usr/local/bin:/usr/bin:/bin", "HOME": "/root"}

	b.ResetTimer()
	for b.Loop() {
		set, err := envwire.Wire(in)
		if err != nil {
			b.Fatalf("Wire failed: %v", err)
		}
		_ = set.Resolve(inherited)
	}
}

// BenchmarkNoopRebuild benchmarks a build whose every stage is skipped:
// computing all cache keys and verifying every recorded output.
func BenchmarkNoopRebuild(b *testing.B) {
	base := b.TempDir()
	src := filepath.Join(base, "src")
	testutil.MustWriteFile(b, filepath.Join(src, "pyproject.toml"),
		"[project]\nname = \"bench\"\ndependencies = [\"app-core>=1.0\"]\n")
	for i := range 50 {
		testutil.MustWriteFile(b, filepath.Join(src, "app", fmt.Sprintf("m%02d.py", i)), "pass\n")
	}

	def := buildfile.Default()
	def.FilePath = filepath.Join(src, buildfile.DefaultFilename)
	def.Dependencies.Manifest = "pyproject.toml"
	def.Env = map[string]string{"PYTHONUNBUFFERED": "1"}

	cfg := provision.DefaultConfig()
	cfg.Apply(
		provision.WithRoot(filepath.Join(base, "root")),
		provision.WithStateDir(filepath.Join(base, "state")),
		provision.WithRegistryDir(benchmarkRegistry(b)),
	)
	builder := provision.NewBuilder(cfg, provision.Deps{Packages: pkgmgr.None{}})
	ctx := context.Background()
	if _, err := builder.Run(ctx, def); err != nil {
		b.Fatalf("initial build failed: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		if _, err := builder.Run(ctx, def); err != nil {
			b.Fatalf("Run failed: %v", err)
		}
	}
}

// benchmarkRegistry writes a registry where app-core pulls in a few
// transitive packages, each with several versions.
func benchmarkRegistry(b *testing.B) string {
	b.Helper()
	var releases []testutil.Release
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.3"} {
		releases = append(releases, testutil.Release{
			Name:     "app-core",
			Version:  v,
			Requires: map[string]string{"tokenizer": "^2.0", "storage": ">=0.4"},
			Bin:      []string{"bin/app-core"},
			Files:    map[string]string{"bin/app-core": "#!/bin/sh\n"},
		})
	}
	for _, v := range []string{"2.0.0", "2.1.0", "2.4.1", "3.0.0"} {
		releases = append(releases, testutil.Release{Name: "tokenizer", Version: v, Requires: map[string]string{"dictionary": "~1.2"}})
	}
	for _, v := range []string{"0.4.0", "0.5.2"} {
		releases = append(releases, testutil.Release{Name: "storage", Version: v})
	}
	for _, v := range []string{"1.2.0", "1.2.7", "1.3.0"} {
		releases = append(releases, testutil.Release{Name: "dictionary", Version: v})
	}
	return testutil.WriteRegistry(b, b.TempDir(), releases...)
}
