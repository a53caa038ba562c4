// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu      sync.Mutex
	calls   int
	changed []string
	fired   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan struct{}, 16)}
}

func (r *recorder) onChange(_ context.Context, changed []string) error {
	r.mu.Lock()
	r.calls++
	r.changed = append(r.changed, changed...)
	r.mu.Unlock()
	r.fired <- struct{}{}
	return nil
}

func (r *recorder) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, slices.Clone(r.changed)
}

func startWatcher(t *testing.T, cfg Config) (cancel func()) {
	t.Helper()
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ctx, cancelCtx := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	}
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

// TestWatcherDebounce verifies that rapid writes coalesce into one callback
// carrying every changed path.
func TestWatcherDebounce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := newRecorder()
	stop := startWatcher(t, Config{Paths: []string{dir}, Debounce: 150 * time.Millisecond, OnChange: rec.onChange})
	defer stop()

	for _, name := range []string{"a.py", "b.py", "c.py"} {
		writeFile(t, filepath.Join(dir, name), "pass\n")
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not fired")
	}
	// Allow a stray second callback to surface.
	time.Sleep(300 * time.Millisecond)

	calls, changed := rec.snapshot()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	for _, name := range []string{"a.py", "b.py", "c.py"} {
		if !slices.Contains(changed, filepath.Join(dir, name)) {
			t.Errorf("changed = %v, missing %s", changed, name)
		}
	}
}

// TestWatcherExcludes verifies that excluded paths, including everything
// under an excluded directory, never fire.
func TestWatcherExcludes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data", "keep.txt"), "x")
	rec := newRecorder()
	stop := startWatcher(t, Config{
		Paths:    []string{dir},
		Exclude:  []string{"*.tmp", "data"},
		Debounce: 100 * time.Millisecond,
		OnChange: rec.onChange,
	})
	defer stop()

	writeFile(t, filepath.Join(dir, "scratch.tmp"), "x")
	writeFile(t, filepath.Join(dir, "data", "input.txt"), "x")
	writeFile(t, filepath.Join(dir, "__pycache__", "m.cpython-312.pyc"), "x")

	select {
	case <-rec.fired:
		_, changed := rec.snapshot()
		t.Fatalf("excluded change fired: %v", changed)
	case <-time.After(500 * time.Millisecond):
	}

	writeFile(t, filepath.Join(dir, "tokenize.py"), "pass\n")
	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not fired for an included file")
	}
}

// TestWatcherSingleFile verifies that a watched file fires while its
// siblings do not.
func TestWatcherSingleFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	manifest := filepath.Join(dir, "pyproject.toml")
	writeFile(t, manifest, "[project]\n")
	rec := newRecorder()
	stop := startWatcher(t, Config{Paths: []string{manifest}, Debounce: 100 * time.Millisecond, OnChange: rec.onChange})
	defer stop()

	writeFile(t, filepath.Join(dir, "README.md"), "docs")
	select {
	case <-rec.fired:
		t.Fatal("sibling change fired")
	case <-time.After(400 * time.Millisecond):
	}

	writeFile(t, manifest, "[project]\ndependencies = []\n")
	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not fired for the watched file")
	}
	_, changed := rec.snapshot()
	if !slices.Equal(changed, []string{manifest}) {
		t.Errorf("changed = %v", changed)
	}
}

// TestWatcherNewDirectory verifies that recursive watches extend to
// directories created after startup.
func TestWatcherNewDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec := newRecorder()
	stop := startWatcher(t, Config{Paths: []string{dir}, Debounce: 100 * time.Millisecond, OnChange: rec.onChange})
	defer stop()

	if err := os.Mkdir(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	<-rec.fired // the directory itself

	// Give the watcher time to register the new directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "pkg", "mod.py"), "pass\n")
	select {
	case <-rec.fired:
	case <-time.After(5 * time.Second):
		t.Fatal("callback not fired inside the new directory")
	}
}

// TestWatcherSkipIfBusy verifies that callbacks never overlap and that
// changes made during a slow callback are delivered afterwards.
func TestWatcherSkipIfBusy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var (
		mu         sync.Mutex
		active     int
		maxActive  int
		calls      int
		secondDone = make(chan struct{})
		release    = make(chan struct{})
	)
	stop := startWatcher(t, Config{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		OnChange: func(context.Context, []string) error {
			mu.Lock()
			active++
			maxActive = max(maxActive, active)
			calls++
			n := calls
			mu.Unlock()

			if n == 1 {
				<-release
			}
			mu.Lock()
			active--
			mu.Unlock()
			if n == 2 {
				close(secondDone)
			}
			return nil
		},
	})
	defer stop()

	writeFile(t, filepath.Join(dir, "first.py"), "1")
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "second.py"), "2")
	time.Sleep(200 * time.Millisecond)
	close(release)

	select {
	case <-secondDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pending change was lost while the callback was busy")
	}
	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("callbacks overlapped: max concurrency %d", maxActive)
	}
}

func TestWatcherCallbackErrorKeepsWatching(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fired := make(chan struct{}, 4)
	stop := startWatcher(t, Config{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		OnChange: func(context.Context, []string) error {
			fired <- struct{}{}
			return errors.New("build failed")
		},
	})
	defer stop()

	for i := range 2 {
		writeFile(t, filepath.Join(dir, "app.py"), string(rune('a'+i)))
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("callback %d not fired", i+1)
		}
	}
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("New() without paths succeeded")
	}
	if _, err := New(Config{Paths: []string{t.TempDir()}, Exclude: []string{"[unclosed"}}); err == nil {
		t.Error("New() with an invalid pattern succeeded")
	}
	if _, err := New(Config{Paths: []string{filepath.Join(t.TempDir(), "missing")}}); err == nil {
		t.Error("New() with a missing path succeeded")
	}
}

func TestWatcherDoubleRun(t *testing.T) {
	t.Parallel()

	w, err := New(Config{Paths: []string{t.TempDir()}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Wait until the first Run has claimed the watcher.
	deadline := time.Now().Add(5 * time.Second)
	for !w.started.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("first Run() = %v", err)
	}
}

func TestExcluded(t *testing.T) {
	t.Parallel()

	w, err := New(Config{Paths: []string{t.TempDir()}, Exclude: []string{"*.tmp", "data", "build/**"}})
	if err != nil {
		t.Fatal(err)
	}
	defer w.fsw.Close()

	root := filepath.FromSlash("/src")
	tests := map[string]bool{
		"tokenize.py":           false,
		"notes.tmp":             true,
		"data":                  true,
		"data/input.txt":        true,
		"pkg/data/x.txt":        true,
		"build/out.bin":         true,
		"pkg/__pycache__/m.pyc": true,
		".git/HEAD":             true,
		"src/editor.py~":        true,
		"docs/guide.md":         false,
	}
	for rel, want := range tests {
		if got := w.excluded(root, filepath.Join(root, filepath.FromSlash(rel))); got != want {
			t.Errorf("excluded(%q) = %v, want %v", rel, got, want)
		}
	}
}
