// Command smartcity runs the telemetry pipeline: the dashboard server, a single live ingestion
// invocation, or a batch CSV import.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "smartcity:", err)
		os.Exit(1)
	}
}
