// Command channel-access runs the subscription and payment settlement service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	// Embedded zoneinfo for telegram.timezone in minimal images.
	_ "time/tzdata"

	"github.com/bissquit/channel-access/internal/app"
	"github.com/bissquit/channel-access/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	// Local development only: a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(context.Background())
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	select {
	case <-sigCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("application stopped", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		exitCode = 1
	}

	slog.Info("application stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
