// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import "syscall"

// fatalErrnos end a watch. ReadDirectoryChangesW has no watch limit, but a
// handle limit (4), a handle lost with its directory (6) or a failed
// buffer allocation (8) leave the watcher unusable.
var fatalErrnos = []syscall.Errno{4, 6, 8}
