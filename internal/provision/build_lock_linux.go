// SPDX-License-Identifier: MPL-2.0

//go:build linux

package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// lockStateDir takes a non-blocking exclusive flock on the state dir's
// lock file and returns the function that drops it. The lock lives with
// the descriptor, so a crashed build leaves nothing behind to clean up.
func lockStateDir(stateDir string) (unlock func(), err error) {
	path := filepath.Join(stateDir, LockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open build lock: %w", err)
	}
	fd := int(f.Fd())

	switch err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); {
	case errors.Is(err, unix.EWOULDBLOCK):
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBuildLocked, stateDir)
	case err != nil:
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	return sync.OnceFunc(func() {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			slog.Debug("build unlock", "path", path, "error", err)
		}
		if err := f.Close(); err != nil {
			slog.Debug("build lock close", "path", path, "error", err)
		}
	}), nil
}
