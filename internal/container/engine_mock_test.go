// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stratabuild/strata/pkg/platform"
)

type (
	// MockCommandRecorder records invocations and answers them through
	// TestHelperProcess with the configured output and exit code.
	MockCommandRecorder struct {
		mu          sync.Mutex
		Invocations []MockInvocation
		ExitCode    int
		Stdout      string
		Stderr      string
		// FailOnCommand makes invocations whose first argument matches exit 1.
		FailOnCommand string
	}

	MockInvocation struct {
		Name string
		Args []string
	}
)

func NewMockCommandRecorder() *MockCommandRecorder {
	return &MockCommandRecorder{}
}

// CommandFunc returns an ExecCommandFunc that re-runs the test binary.
func (m *MockCommandRecorder) CommandFunc(t *testing.T) ExecCommandFunc {
	t.Helper()
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.Invocations = append(m.Invocations, MockInvocation{Name: name, Args: args})
		m.mu.Unlock()

		exitCode := m.ExitCode
		if m.FailOnCommand != "" && len(args) > 0 && args[0] == m.FailOnCommand {
			exitCode = 1
		}

		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		//nolint:gosec // test helper re-executes the test binary
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", exitCode),
			"GO_HELPER_STDOUT=" + m.Stdout,
			"GO_HELPER_STDERR=" + m.Stderr,
		}
		return cmd
	}
}

func (m *MockCommandRecorder) LastArgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invocations) == 0 {
		return nil
	}
	return m.Invocations[len(m.Invocations)-1].Args
}

func (m *MockCommandRecorder) AssertArgs(t *testing.T, want ...string) {
	t.Helper()
	got := strings.Join(m.LastArgs(), " ")
	if got != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", got, strings.Join(want, " "))
	}
}

// TestHelperProcess is not a real test: it is the process spawned by
// MockCommandRecorder.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, os.Getenv("GO_HELPER_STDOUT"))
	fmt.Fprint(os.Stderr, os.Getenv("GO_HELPER_STDERR"))
	code := 0
	fmt.Sscanf(os.Getenv("GO_HELPER_EXIT_CODE"), "%d", &code)
	os.Exit(code)
}

func newMockedDocker(t *testing.T, rec *MockCommandRecorder) *CLIEngine {
	t.Helper()
	return NewDockerEngine(WithBinaryPath("/usr/bin/docker"), WithExecCommand(rec.CommandFunc(t)), WithSandbox(platform.SandboxNone))
}
