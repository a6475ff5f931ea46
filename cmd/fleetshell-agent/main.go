// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// fleetshell-agent runs on a device: it keeps a connection to the
// fleetshell daemon, executes the commands it receives, and reports
// results.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/fleetshell/fleetshell/lib/agent"
	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/config"
	"github.com/fleetshell/fleetshell/lib/process"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("fleetshell-agent", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the agent config file")
	serverURL := flags.String("server", "", "override the configured server URL")
	token := flags.String("token", "", "override the configured device token")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("fleetshell-agent", version)
		return nil
	}

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		// Flags alone are enough to run without a config file.
		if *serverURL == "" || *token == "" {
			return err
		}
		cfg = config.AgentConfig{}
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *token != "" {
		cfg.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.New(agent.Config{
		ServerURL:    cfg.ServerURL,
		Token:        cfg.Token,
		Metadata:     cfg.Metadata,
		PingInterval: cfg.PingInterval,
		MinBackoff:   cfg.MinBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}, clock.Real(), logger)

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
