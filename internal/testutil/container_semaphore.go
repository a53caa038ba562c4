// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
)

// ContainerParallelEnv overrides how many image builds tests run at once.
const ContainerParallelEnv = "STRATA_TEST_CONTAINER_PARALLEL"

// containerSlots is shared by every test in the process. Two slots by
// default: Podman on small CI runners hangs instead of failing when
// builds pile up.
var containerSlots = sync.OnceValue(func() chan struct{} {
	return make(chan struct{}, containerParallelism(os.Getenv(ContainerParallelEnv)))
})

// AcquireContainerSlot blocks until a container slot is free and releases
// it when t finishes.
func AcquireContainerSlot(t testing.TB) {
	t.Helper()
	slots := containerSlots()
	slots <- struct{}{}
	t.Cleanup(func() { <-slots })
}

func containerParallelism(override string) int {
	if n, err := strconv.Atoi(override); err == nil && n > 0 {
		return n
	}
	return min(runtime.GOMAXPROCS(0), 2)
}
