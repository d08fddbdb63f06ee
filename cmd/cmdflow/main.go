package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cmdflow/internal/app"
	"cmdflow/internal/logging"
)

// main is the entry point of the application. Ctrl-C cancels the running
// pipeline or stops a batch from launching further items.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := app.NewAppRunner()
	err := runner.Run(ctx, os.Args[1:])
	if err != nil {
		log.Printf("[ERROR] Application execution failed: %v", err)
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) || errors.Is(err, app.ErrMissingArgs) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		stop()
		os.Exit(1)
	}

	logging.Logf(logging.Info, "Application completed successfully.")
}
