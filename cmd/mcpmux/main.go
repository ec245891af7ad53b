// Package main is the entry point for mcpmux.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpmux/mcpmux/cmd/mcpmux/app"
	"github.com/mcpmux/mcpmux/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
