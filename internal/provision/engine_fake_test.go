// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/stratabuild/strata/internal/container"
)

// fakeEngine serves images from memory. Each image maps container paths
// to file contents.
type fakeEngine struct {
	mu      sync.Mutex
	local   map[string]map[string]string
	remote  map[string]map[string]string
	calls   []string
	builds  []container.BuildOptions
	onBuild func(container.BuildOptions) error
	copyErr error
	nextID  int
	running map[string]string
	removed []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		local:   map[string]map[string]string{},
		remote:  map[string]map[string]string{},
		running: map[string]string{},
	}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *fakeEngine) Name() string                            { return "fake" }
func (e *fakeEngine) Available() bool                         { return true }
func (e *fakeEngine) Version(context.Context) (string, error) { return "0.0.0", nil }

func (e *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	e.record("build " + opts.Tag)
	e.mu.Lock()
	e.builds = append(e.builds, opts)
	e.mu.Unlock()
	if e.onBuild != nil {
		if err := e.onBuild(opts); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.local[opts.Tag] = map[string]string{}
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Pull(_ context.Context, image string) error {
	e.record("pull " + image)
	e.mu.Lock()
	defer e.mu.Unlock()
	files, ok := e.remote[image]
	if !ok {
		return errors.New("manifest unknown")
	}
	e.local[image] = files
	return nil
}

func (e *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	e.record("inspect " + image)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.local[image]
	return ok, nil
}

func (e *fakeEngine) RemoveImage(_ context.Context, image string, _ bool) error {
	e.record("rmi " + image)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.local, image)
	return nil
}

func (e *fakeEngine) Create(_ context.Context, image string) (string, error) {
	e.record("create " + image)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := "c" + strconv.Itoa(e.nextID)
	e.running[id] = image
	return id, nil
}

func (e *fakeEngine) CopyFrom(_ context.Context, id, src, dst string) error {
	e.record("cp " + id + ":" + src)
	e.mu.Lock()
	image := e.running[id]
	content, ok := e.local[image][src]
	copyErr := e.copyErr
	e.mu.Unlock()
	if copyErr != nil {
		return copyErr
	}
	if !ok {
		return errors.New("no such file: " + src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(content), 0o644)
}

func (e *fakeEngine) Remove(_ context.Context, id string, _ bool) error {
	e.record("rm " + id)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	e.removed = append(e.removed, id)
	return nil
}
