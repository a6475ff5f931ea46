// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// fleetshell-daemon is the fleet server: it accepts device websocket
// connections, dispatches queued commands, tracks their lifecycle, and
// serves an admin socket for operators.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/config"
	"github.com/fleetshell/fleetshell/lib/dispatch"
	"github.com/fleetshell/fleetshell/lib/fleet"
	"github.com/fleetshell/fleetshell/lib/history"
	"github.com/fleetshell/fleetshell/lib/policy"
	"github.com/fleetshell/fleetshell/lib/process"
	"github.com/fleetshell/fleetshell/lib/queue"
	"github.com/fleetshell/fleetshell/lib/store"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	// A .env file is optional; it carries FLEETSHELL_CONFIG in
	// development setups.
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("fleetshell-daemon", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the server config file")
	listenAddress := flags.String("listen", "", "override the configured listen address")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("fleetshell-daemon", version)
		return nil
	}

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return err
	}
	if *listenAddress != "" {
		cfg.ListenAddress = *listenAddress
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	recordStore, err := store.Open(store.Config{
		Path:   cfg.DatabasePath,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	engine := policy.NewEngine(cfg.Policy.Policy())
	commandQueue := queue.New(recordStore, engine, logger)
	coordinator := dispatch.New(recordStore, clk, logger)
	manager := fleet.NewManager(recordStore, commandQueue, coordinator, logger)
	authenticator := fleet.NewAuthenticator(cfg.Tokens())
	historyService := history.New(recordStore, clk, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", fleet.NewHandler(authenticator, manager, logger))

	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	admin := &adminServer{
		queue:   commandQueue,
		history: historyService,
		store:   recordStore,
		manager: manager,
		logger:  logger,
	}
	go func() {
		if err := admin.serve(ctx, cfg.AdminSocket); err != nil {
			logger.Error("admin socket", "error", err)
		}
	}()

	if cfg.RetentionDays > 0 {
		go runRetention(ctx, historyService, clk, cfg, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	manager.Shutdown()
	coordinator.Shutdown()
	if err := recordStore.Close(); err != nil {
		return err
	}
	return nil
}

// runRetention periodically deletes finished command records older than
// the configured retention window.
func runRetention(ctx context.Context, historyService *history.Service, clk clock.Clock, cfg config.ServerConfig, logger *slog.Logger) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := historyService.Cleanup(ctx, retention); err != nil {
				logger.Error("retention cleanup", "error", err)
			}
		}
	}
}
