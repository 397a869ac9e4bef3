// Command sessionctl signs in to a dashboard API and issues authenticated
// requests using a persisted session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/authsession-go/cmd/sessionctl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()
	os.Exit(code)
}
