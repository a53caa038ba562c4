// SPDX-License-Identifier: MPL-2.0

package depsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stratabuild/strata/internal/fsutil"
)

func tokenizerRegistry(t *testing.T) Registry {
	t.Helper()
	return NewDirRegistry(writeRegistry(t,
		release{name: "mecab-python3", version: "1.0.9", requires: map[string]string{"unidic-lite": "*"},
			bin: []string{"bin/mecab-py"}, files: map[string]string{"bin/mecab-py": "#!/bin/sh\n", "MeCab/__init__.py": "pass\n"}},
		release{name: "unidic-lite", version: "1.0.8", files: map[string]string{"unidic_lite/dicdir/dicrc": "x"}},
	))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func syncFixture(t *testing.T) (Request, string) {
	t.Helper()
	dir := t.TempDir()
	manifest := filepath.Join(dir, "src", PyprojectFilename)
	writeFile(t, manifest, "[project]\nname = \"tokenizer\"\ndependencies = [\"mecab-python3>=1.0\"]\n")
	envDir := filepath.Join(dir, "app", ".venv")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return Request{
		ManifestPath: manifest,
		LockPath:     filepath.Join(dir, "src", "strata.lock"),
		EnvDir:       envDir,
	}, dir
}

func TestSyncResolvesAndPersistsLock(t *testing.T) {
	t.Parallel()

	req, _ := syncFixture(t)
	reg := &countingRegistry{Registry: tokenizerRegistry(t)}
	res, err := NewSynchronizer(reg).Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !res.LockWritten || res.Satisfied || res.Fetched != 2 {
		t.Errorf("Result = %+v", res)
	}
	lock, err := LoadLock(req.LockPath)
	if err != nil || lock == nil || len(lock.Packages) != 2 {
		t.Fatalf("LoadLock() = %+v, %v", lock, err)
	}

	link, err := os.Readlink(filepath.Join(req.EnvDir, BinDir, "mecab-py"))
	if err != nil || link != "../lib/mecab-python3/bin/mecab-py" {
		t.Errorf("bin link = %q, %v", link, err)
	}
	info, err := os.Stat(filepath.Join(req.EnvDir, LibDir, "unidic-lite", "unidic_lite", "dicdir", "dicrc"))
	if err != nil || !info.ModTime().Equal(Epoch) {
		t.Errorf("payload mtime = %v, %v; want %v", info, err, Epoch)
	}
}

func TestSyncIdempotent(t *testing.T) {
	t.Parallel()

	req, _ := syncFixture(t)
	reg := &countingRegistry{Registry: tokenizerRegistry(t)}
	s := NewSynchronizer(reg)
	first, err := s.Sync(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	before := reg.fetches.Load()
	markerBefore, _ := os.ReadFile(filepath.Join(req.EnvDir, MarkerFile))

	second, err := s.Sync(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Satisfied || second.Fetched != 0 || reg.fetches.Load() != before {
		t.Errorf("second sync did work: %+v, fetches %d -> %d", second, before, reg.fetches.Load())
	}
	if first.TreeDigest != second.TreeDigest {
		t.Errorf("tree digest changed: %s -> %s", first.TreeDigest, second.TreeDigest)
	}
	markerAfter, _ := os.ReadFile(filepath.Join(req.EnvDir, MarkerFile))
	if string(markerBefore) != string(markerAfter) {
		t.Error("marker rewritten on a satisfied sync")
	}
}

func TestSyncByteIdenticalAcrossHosts(t *testing.T) {
	t.Parallel()

	reg := tokenizerRegistry(t)
	reqA, _ := syncFixture(t)
	if _, err := NewSynchronizer(reg).Sync(context.Background(), reqA); err != nil {
		t.Fatal(err)
	}

	// A second checkout installs from the lock the first one produced.
	reqB, _ := syncFixture(t)
	lockData, err := os.ReadFile(reqA.LockPath)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, reqB.LockPath, string(lockData))
	resB, err := NewSynchronizer(reg).Sync(context.Background(), reqB)
	if err != nil {
		t.Fatal(err)
	}
	if resB.LockWritten {
		t.Error("existing lock was rewritten")
	}

	a, _ := fsutil.TreeDigest(reqA.EnvDir, nil)
	b, _ := fsutil.TreeDigest(reqB.EnvDir, nil)
	if a != b {
		t.Error("environments differ between checkouts")
	}
}

func TestSyncRollbackOnFailure(t *testing.T) {
	t.Parallel()

	req, dir := syncFixture(t)
	writeFile(t, filepath.Join(req.EnvDir, "lib", "previous", "keep.py"), "old\n")
	before, err := fsutil.TreeDigest(filepath.Dir(req.EnvDir), nil)
	if err != nil {
		t.Fatal(err)
	}

	reg := &countingRegistry{Registry: tokenizerRegistry(t), failOn: "unidic-lite"}
	_, err = NewSynchronizer(reg).Sync(context.Background(), req)
	if !errors.Is(err, errInjected) {
		t.Fatalf("Sync() error = %v, want injected failure", err)
	}

	after, err := fsutil.TreeDigest(filepath.Dir(req.EnvDir), nil)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Error("failed sync changed the environment or left staging behind")
	}
	if _, err := os.Stat(req.LockPath); !os.IsNotExist(err) {
		t.Errorf("lock persisted after a failed sync: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "app"))
	for _, e := range entries {
		if strings.Contains(e.Name(), "staging") {
			t.Errorf("staging dir left behind: %s", e.Name())
		}
	}
}

func TestSyncDigestMismatch(t *testing.T) {
	t.Parallel()

	req, _ := syncFixture(t)
	reg := tokenizerRegistry(t)
	lock, err := NewSynchronizer(reg).Lock(context.Background(), req.ManifestPath, req.LockPath)
	if err != nil {
		t.Fatal(err)
	}
	lock.Packages[0].Digest = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	if err := lock.Save(req.LockPath); err != nil {
		t.Fatal(err)
	}

	_, err = NewSynchronizer(reg).Sync(context.Background(), req)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("Sync() error = %v, want ErrDigestMismatch", err)
	}
}

func TestSyncEmptyManifest(t *testing.T) {
	t.Parallel()

	req, _ := syncFixture(t)
	writeFile(t, req.ManifestPath, "[project]\nname = \"tokenizer\"\ndependencies = []\n")
	res, err := NewSynchronizer(NewDirRegistry(t.TempDir())).Sync(context.Background(), req)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("Fetched = %d", res.Fetched)
	}
	for _, d := range []string{LibDir, BinDir} {
		if info, err := os.Stat(filepath.Join(req.EnvDir, d)); err != nil || !info.IsDir() {
			t.Errorf("%s missing: %v", d, err)
		}
	}
}
