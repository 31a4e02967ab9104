// docflowctl is the operator CLI: it drives jobs and reads status through the HTTP API,
// and runs the few tasks that need direct database or Redis access.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/docflow_backend/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		config.GetLogger().WithField("field", "docflowctl").Error(err.Error())
		stop()
		os.Exit(1)
	}
}
