// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/stratabuild/strata/internal/depsync"
	"github.com/stratabuild/strata/internal/testutil"
	"github.com/stratabuild/strata/pkg/buildfile"
)

var errInjected = errors.New("injected failure")

type (
	// fakeManager installs packages by creating the files they own under
	// the build root.
	fakeManager struct {
		mu        sync.Mutex
		root      string
		owns      map[string][]string
		installed map[string]bool
		installs  int
		purges    int
		failOn    string
		// block makes Install wait for ctx.
		block bool
	}

	// failingRegistry fails the fetch of one package.
	failingRegistry struct {
		depsync.Registry
		failOn string
	}

	fixture struct {
		t      *testing.T
		cfg    *Config
		def    *buildfile.Definition
		src    string
		mgr    *fakeManager
		regDir string
	}
)

func newFakeManager(root string) *fakeManager {
	return &fakeManager{
		root: root,
		owns: map[string][]string{
			"mecab":             {"/usr/bin/mecab", "/etc/mecabrc"},
			"libmecab-dev":      {"/usr/include/mecab.h"},
			"mecab-ipadic-utf8": {"/var/lib/mecab/dic/ipadic-utf8/sys.dic"},
		},
		installed: map[string]bool{},
	}
}

func (m *fakeManager) Name() string { return "fake" }

func (m *fakeManager) Satisfied(_ context.Context, p buildfile.Package) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[p.Name], nil
}

func (m *fakeManager) Install(ctx context.Context, pkgs []buildfile.Package) error {
	m.mu.Lock()
	m.installs++
	block := m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, p := range pkgs {
		if p.Name == m.failOn {
			return errInjected
		}
		for _, f := range m.owns[p.Name] {
			host := filepath.Join(m.root, f)
			if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(host, []byte(p.Name+"\n"), 0o644); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.installed[p.Name] = true
		m.mu.Unlock()
	}
	return nil
}

func (m *fakeManager) PurgeCache(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges++
	return nil
}

func (m *fakeManager) installCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installs
}

func (r *failingRegistry) Fetch(ctx context.Context, name string, v *semver.Version, dst string) error {
	if name == r.failOn {
		return errInjected
	}
	return r.Registry.Fetch(ctx, name, v, dst)
}

// newFixture lays out a source tree with a pyproject manifest, a
// dependency registry and an empty build root for the mecab tokenizer
// environment.
func newFixture(t *testing.T, dependencies ...string) *fixture {
	t.Helper()
	base := t.TempDir()

	root := filepath.Join(base, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(base, "src")
	quoted := make([]string, len(dependencies))
	for i, d := range dependencies {
		quoted[i] = `"` + d + `"`
	}
	writeFile(t, filepath.Join(src, "pyproject.toml"),
		"[project]\nname = \"tokenizer\"\ndependencies = ["+strings.Join(quoted, ", ")+"]\n")
	writeFile(t, filepath.Join(src, "tokenize.py"), "import MeCab\n")
	writeFile(t, filepath.Join(src, "data", "input.txt"), "すもももももももものうち\n")
	writeFile(t, filepath.Join(src, "notes.tmp"), "scratch\n")

	regDir := filepath.Join(base, "registry")
	testutil.WriteRegistry(t, regDir,
		testutil.Release{
			Name:    "mecab-python3",
			Version: "1.0.9",
			Bin:     []string{"bin/mecab-py"},
			Files:   map[string]string{"bin/mecab-py": "#!/bin/sh\n", "MeCab/__init__.py": "pass\n"},
		},
		testutil.Release{Name: "extra", Version: "0.1.0", Files: map[string]string{"extra/__init__.py": "pass\n"}},
	)

	def := buildfile.Default()
	def.FilePath = filepath.Join(src, buildfile.DefaultFilename)
	def.Packages = []buildfile.Package{{Name: "mecab"}, {Name: "libmecab-dev"}, {Name: "mecab-ipadic-utf8"}}
	def.Dependencies.Manifest = "pyproject.toml"
	def.Source.Exclude = []string{"*.tmp"}
	def.Bindings = []buildfile.Binding{{Library: "mecab", Config: "/etc/mecabrc"}}

	return &fixture{
		t:      t,
		cfg:    &Config{Root: root, RegistryDir: regDir, Timeout: time.Minute},
		def:    def,
		src:    src,
		mgr:    newFakeManager(root),
		regDir: regDir,
	}
}

func (f *fixture) builder() *Builder {
	return NewBuilder(f.cfg, Deps{Packages: f.mgr})
}

func (f *fixture) run() (*Report, error) {
	f.t.Helper()
	return f.builder().Run(context.Background(), f.def)
}

func (f *fixture) mustRun() *Report {
	f.t.Helper()
	report, err := f.run()
	if err != nil {
		f.t.Fatalf("Run() error = %v", err)
	}
	return report
}

func (f *fixture) host(p string) string {
	return f.cfg.HostPath(p)
}

func (f *fixture) state() *State {
	f.t.Helper()
	st, err := LoadState(f.cfg.stateDir())
	if err != nil {
		f.t.Fatal(err)
	}
	return st
}

func (f *fixture) activatable() bool {
	f.t.Helper()
	ok, err := Activatable(f.cfg.stateDir())
	if err != nil {
		f.t.Fatal(err)
	}
	return ok
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	testutil.MustWriteFile(t, path, content)
}

func actions(r *Report) map[StageName]Action {
	out := make(map[StageName]Action, len(r.Stages))
	for _, s := range r.Stages {
		out[s.Name] = s.Action
	}
	return out
}

func stageKey(r *Report, name StageName) string {
	for _, s := range r.Stages {
		if s.Name == name {
			return s.Key
		}
	}
	return ""
}
