package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lims-autoverify-server/internal/setup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := setup.Build(ctx)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}
	defer app.Shutdown()

	app.Logger.WithField("port", app.Config.Server.Port).Info("Starting auto-verification server")

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		app.Logger.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := app.Server.Start(ctx); err != nil {
		app.Logger.WithError(err).Fatal("Server failed")
	}

	app.Logger.Info("Server stopped")
}
