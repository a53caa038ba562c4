// SPDX-License-Identifier: MPL-2.0

package cli

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogpeppe/go-internal/testscript"
)

const (
	// imageScriptDeadline covers one image script including base image pulls.
	imageScriptDeadline = 5 * time.Minute

	// imageRepository is the repository strata tags its images with.
	imageRepository = "strata-env"
)

var (
	engineBinaries = []string{"docker", "podman"}

	// containerAvailable is set by TestMain when an engine answers.
	containerAvailable bool
)

// runEngine runs args against every installed engine and reports whether
// any of them succeeded.
func runEngine(timeout time.Duration, args ...string) bool {
	ok := false
	for _, name := range engineBinaries {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if exec.CommandContext(ctx, path, args...).Run() == nil {
			ok = true
		}
		cancel()
	}
	return ok
}

func detectContainerEngine() bool {
	return runEngine(10*time.Second, "version")
}

// imageSetup removes the image a script recorded in tag.txt once the
// script ends, so the next run builds cold.
func imageSetup(env *testscript.Env) error {
	env.Defer(func() {
		data, err := os.ReadFile(filepath.Join(env.WorkDir, "tag.txt"))
		if err != nil {
			return
		}
		if tag := strings.TrimSpace(string(data)); strings.HasPrefix(tag, imageRepository+":") {
			runEngine(30*time.Second, "rmi", "-f", tag)
		}
	})
	return commonSetup(env)
}

// TestContainerCLI runs the container_ scripts sequentially. Concurrent
// rootless Podman builds race, so these stay out of TestCLI.
func TestContainerCLI(t *testing.T) {
	switch {
	case testing.Short():
		t.Skip("skipping container tests in short mode")
	case !containerAvailable:
		t.Skip("skipping: no functional container runtime available")
	}

	scripts, err := filepath.Glob(filepath.Join("testdata", "container_*.txtar"))
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) == 0 {
		t.Skip("no container scripts")
	}

	for _, script := range scripts {
		t.Run(strings.TrimSuffix(filepath.Base(script), ".txtar"), func(t *testing.T) {
			testscript.Run(t, testscript.Params{
				Files:           []string{script},
				Setup:           imageSetup,
				Condition:       commonCondition,
				Cmds:            commonCmds,
				ContinueOnError: true,
				Deadline:        time.Now().Add(imageScriptDeadline),
			})
		})
	}
}
