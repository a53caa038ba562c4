// SPDX-License-Identifier: MPL-2.0

// Package watch rebuilds on change: it monitors the inputs of a build and
// invokes a callback once a burst of filesystem events has settled.
//
// Events within the debounce window are coalesced so the callback fires
// once with the full set of changed paths.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	slogctx "github.com/veqryn/slog-context"
)

// defaultDebounce is the quiet period before the callback fires, long
// enough for an editor's write-then-rename to arrive as one change.
const defaultDebounce = 500 * time.Millisecond

// defaultExcludes never trigger a rebuild: VCS metadata, bytecode caches,
// editor swap files and OS metadata.
var defaultExcludes = []string{
	".git",
	"__pycache__",
	"*.pyc",
	"*.swp",
	"*.swo",
	"*~",
	".DS_Store",
}

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Paths are the files and directories to watch. Directories are
		// watched recursively; a file is watched on its own.
		Paths []string

		// Exclude are glob patterns matched against a path relative to the
		// watched directory and against its base name. They are merged
		// with the built-in excludes.
		Exclude []string

		// Debounce is the quiet period after the last event. Zero or
		// negative values fall back to defaultDebounce.
		Debounce time.Duration

		// OnChange receives the deduplicated, sorted absolute paths that
		// changed. A nil callback is a no-op. Its error is logged and
		// watching continues.
		OnChange func(ctx context.Context, changed []string) error
	}

	// Watcher monitors build inputs and fires a debounced callback when
	// they change. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		exclude  []glob.Glob
		dirs     []string
		files    map[string]bool
		debounce time.Duration
		started  atomic.Bool
	}
)

// New creates a Watcher and registers every watched directory, recursively,
// with the underlying fsnotify watcher.
func New(cfg Config) (*Watcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("watch: no paths to watch")
	}

	patterns := slices.Concat(defaultExcludes, cfg.Exclude)
	exclude := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("watch: invalid exclude pattern %q: %w", p, err)
		}
		exclude = append(exclude, g)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		exclude:  exclude,
		files:    map[string]bool{},
		debounce: debounce,
	}
	if err := w.register(cfg.Paths); err != nil {
		return nil, errors.Join(err, fsw.Close())
	}
	return w, nil
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks. It
// returns nil on cancellation and an error when the watcher breaks.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	logger := slogctx.FromCtx(ctx)

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	// fire may be scheduled by time.AfterFunc after ctx is cancelled.
	// Callbacks never overlap; a busy callback reschedules the timer so
	// pending changes are not lost.
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !running.CompareAndSwap(false, true) {
			logger.DebugContext(ctx, "previous run still in progress, deferring")
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx, changed); err != nil {
				logger.WarnContext(ctx, "rebuild failed", slog.Any("error", err))
			}
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			logger.DebugContext(ctx, "close fsnotify watcher", slog.Any("error", err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			if !w.relevant(evt.Name) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(ctx, evt.Name)
			}

			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			logger.WarnContext(ctx, "fsnotify error", slog.Any("error", err))
		}
	}
}

// register adds directories recursively and files through their parent
// directory, which fsnotify requires to see atomic replacements.
func (w *Watcher) register(paths []string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("watch: resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("watch: %w", err)
		}
		if !info.IsDir() {
			w.files[abs] = true
			if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
				return fmt.Errorf("watch: add %s: %w", filepath.Dir(abs), err)
			}
			continue
		}
		w.dirs = append(w.dirs, abs)
		if err := w.addTree(abs); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	err := filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are left unwatched.
			return nil //nolint:nilerr // skip inaccessible paths
		}
		if !d.IsDir() {
			return nil
		}
		if name != root && w.excluded(root, name) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(name); err != nil {
			return fmt.Errorf("watch: add directory %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", root, err)
	}
	return nil
}

// maybeAddDir extends a recursive watch to a directory created after
// startup.
func (w *Watcher) maybeAddDir(ctx context.Context, name string) {
	info, err := os.Stat(name)
	if err != nil || !info.IsDir() {
		return
	}
	for _, dir := range w.dirs {
		if isWithin(dir, name) && !w.excluded(dir, name) {
			if err := w.addTree(name); err != nil {
				slogctx.FromCtx(ctx).WarnContext(ctx, "watch new directory", slog.String("path", name), slog.Any("error", err))
			}
			return
		}
	}
}

// relevant reports whether an event on name should trigger a rebuild.
func (w *Watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	for _, dir := range w.dirs {
		if name != dir && isWithin(dir, name) && !w.excluded(dir, name) {
			return true
		}
	}
	return false
}

// excluded matches name, relative to root, and every ancestor below root
// against the exclude globs.
func (w *Watcher) excluded(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	for p := filepath.ToSlash(rel); p != "." && p != "/"; p = path.Dir(p) {
		base := path.Base(p)
		for _, g := range w.exclude {
			if g.Match(p) || g.Match(base) {
				return true
			}
		}
	}
	return false
}

// isFatalFsnotifyError reports errors after which the watcher cannot
// recover.
func isFatalFsnotifyError(err error) bool {
	return slices.ContainsFunc(fatalErrnos, func(errno syscall.Errno) bool {
		return errors.Is(err, errno)
	})
}

func isWithin(dir, name string) bool {
	rel, err := filepath.Rel(dir, name)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
