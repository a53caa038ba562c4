// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"errors"
	"io/fs"
	"slices"
	"testing"
)

func TestDetectSandboxFrom(t *testing.T) {
	t.Parallel()

	exists := func(string) error { return nil }
	missing := func(string) error { return fs.ErrNotExist }
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	tests := []struct {
		name   string
		lookup func(string) string
		stat   func(string) error
		want   SandboxType
	}{
		{"none", env(nil), missing, SandboxNone},
		{"flatpak", env(nil), exists, SandboxFlatpak},
		{"snap", env(map[string]string{"SNAP_NAME": "strata"}), missing, SandboxSnap},
		{"flatpak wins over snap", env(map[string]string{"SNAP_NAME": "strata"}), exists, SandboxFlatpak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := detectSandboxFrom(tt.lookup, tt.stat); got != tt.want {
				t.Errorf("detectSandboxFrom() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		st   SandboxType
		want []string
	}{
		{SandboxNone, []string{"/usr/bin/docker", "image", "inspect", "strata-env:1"}},
		{SandboxFlatpak, []string{"flatpak-spawn", "--host", "/usr/bin/docker", "image", "inspect", "strata-env:1"}},
		{SandboxSnap, []string{"snap", "run", "--shell", "/usr/bin/docker", "image", "inspect", "strata-env:1"}},
	}
	for _, tt := range tests {
		got := tt.st.HostCommand("/usr/bin/docker", "image", "inspect", "strata-env:1")
		if !slices.Equal(got, tt.want) {
			t.Errorf("%q: HostCommand() = %v, want %v", tt.st, got, tt.want)
		}
	}
}

func TestDetectSandboxCached(t *testing.T) {
	t.Parallel()

	if DetectSandbox() != DetectSandbox() {
		t.Error("DetectSandbox() changed between calls")
	}
	if !errors.Is(statFile("/definitely/not/here"), fs.ErrNotExist) {
		t.Error("statFile() should report a missing file")
	}
}
