// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"os"
	"slices"
	"sync"
)

// SandboxType identifies the application sandbox strata runs in, if any.
type SandboxType string

const (
	SandboxNone    SandboxType = ""
	SandboxFlatpak SandboxType = "flatpak"
	SandboxSnap    SandboxType = "snap"
)

// sandboxMarker describes how a sandbox is recognized and how a command
// escapes it to reach the host.
type sandboxMarker struct {
	kind    SandboxType
	file    string
	envVar  string
	spawner []string
}

// Checked in order; the first match wins.
var sandboxMarkers = []sandboxMarker{
	{kind: SandboxFlatpak, file: "/.flatpak-info", spawner: []string{"flatpak-spawn", "--host"}},
	{kind: SandboxSnap, envVar: "SNAP_NAME", spawner: []string{"snap", "run", "--shell"}},
}

var detected = sync.OnceValue(func() SandboxType {
	return detectSandboxFrom(os.Getenv, statFile)
})

// DetectSandbox reports the sandbox of the current process. The result is
// computed once.
func DetectSandbox() SandboxType {
	return detected()
}

// HostCommand returns the argv that runs name with args on the host.
// Outside a sandbox that is just name followed by args.
func (st SandboxType) HostCommand(name string, args ...string) []string {
	argv := append([]string{name}, args...)
	for _, m := range sandboxMarkers {
		if m.kind == st {
			return slices.Concat(m.spawner, argv)
		}
	}
	return argv
}

func detectSandboxFrom(getenv func(string) string, stat func(string) error) SandboxType {
	for _, m := range sandboxMarkers {
		switch {
		case m.file != "" && stat(m.file) == nil:
			return m.kind
		case m.envVar != "" && getenv(m.envVar) != "":
			return m.kind
		}
	}
	return SandboxNone
}

func statFile(path string) error {
	_, err := os.Stat(path)
	return err
}
