// Package main provides the websocket server for polychat.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/polychat/internal/app"
	"github.com/raphaelgruber/polychat/internal/config"
	"github.com/raphaelgruber/polychat/internal/server"
)

func main() {
	offline := flag.Bool("offline", false, "do not connect to the remote store")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()

	logger.Info("polychat-server starting",
		"port", cfg.ServerPort,
		"data_dir", cfg.DataDir,
		"backend", cfg.LocalBackend,
		"remote", cfg.Remote().Enabled() && !*offline)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	application, err := app.New(ctx, cfg, logger, app.Options{Offline: *offline})
	cancel()
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	srv := server.New(application.Session, application.Persist, application.Metrics, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	runErr := srv.Run(runCtx, fmt.Sprintf(":%d", cfg.ServerPort))
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Close(closeCtx); err != nil {
		logger.Error("failed to close cleanly", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
