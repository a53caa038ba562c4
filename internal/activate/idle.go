// SPDX-License-Identifier: MPL-2.0

package activate

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Idle blocks until ctx is done or the process receives SIGINT or
// SIGTERM. It never returns on its own.
func Idle(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
