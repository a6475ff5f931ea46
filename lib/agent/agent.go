// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the device-side client: it holds a persistent
// connection to the server, executes the commands it receives, and
// reports results. The connection is re-established with capped
// exponential backoff for as long as the context lives.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/executor"
	"github.com/fleetshell/fleetshell/lib/protocol"
)

// Config holds agent connection parameters.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8700/ws.
	ServerURL string

	// Token authenticates this device.
	Token string

	// Metadata is merged into the initial status message alongside
	// hostname and platform.
	Metadata map[string]string

	// PingInterval is the keepalive cadence. Zero defaults to 30s.
	PingInterval time.Duration

	// MinBackoff and MaxBackoff bound the reconnect delay. Zero
	// defaults to 1s and 60s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client is the agent. Create with New, run with Run.
type Client struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an agent client, applying config defaults.
func New(config Config, clk clock.Clock, logger *slog.Logger) *Client {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 60 * time.Second
	}
	return &Client{config: config, clock: clk, logger: logger}
}

// Run connects and serves commands until ctx is cancelled, reconnecting
// on any transport failure. Returns the context's error.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.config.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.config.MinBackoff
		}
		c.logger.Warn("connection lost", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(backoff):
		}
		backoff *= 2
		if backoff > c.config.MaxBackoff {
			backoff = c.config.MaxBackoff
		}
	}
}

// sessionWriter serializes frame writes: command results come from
// per-command goroutines and keepalives from the ping ticker.
type sessionWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *sessionWriter) write(message any) error {
	data, err := protocol.Encode(message)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// session runs one connection to completion. The bool reports whether
// the dial succeeded, so the caller knows to reset its backoff.
func (c *Client) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"Authorization": []string{"Bearer " + c.config.Token}}
	conn, _, err := dialer.DialContext(ctx, c.config.ServerURL, header)
	if err != nil {
		return false, fmt.Errorf("agent: dialing %s: %w", c.config.ServerURL, err)
	}
	defer conn.Close()

	c.logger.Info("connected", "server", c.config.ServerURL)

	writer := &sessionWriter{conn: conn}
	if err := writer.write(protocol.NewStatus(c.statusFields())); err != nil {
		return true, fmt.Errorf("agent: sending status: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(sessionCtx, writer)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("agent: reading: %w", err)
		}
		c.handleFrame(sessionCtx, writer, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, writer *sessionWriter, raw []byte) {
	message, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch message := message.(type) {
	case *protocol.Connected:
		c.logger.Info("session established", "device_id", message.DeviceID)
	case *protocol.Command:
		// Execution happens off the read loop so a long-running
		// command never blocks pings or further commands.
		go c.execute(ctx, writer, message)
	case *protocol.Ping:
		if err := writer.write(protocol.NewPong()); err != nil {
			c.logger.Warn("answering ping", "error", err)
		}
	case *protocol.Pong:
		// Keepalive answer.
	case *protocol.Error:
		c.logger.Warn("server reported error", "message", message.Message)
	default:
		c.logger.Warn("dropping unexpected frame", "type", fmt.Sprintf("%T", message))
	}
}

func (c *Client) execute(ctx context.Context, writer *sessionWriter, command *protocol.Command) {
	timeout := command.Timeout
	if timeout <= 0 {
		timeout = 30
	}

	c.logger.Info("executing command", "command_id", command.ID, "timeout_seconds", timeout)
	result := executor.Execute(ctx, command.Command, timeout)

	response := protocol.NewResponse(command.ID, result.Stdout, result.Stderr,
		result.ExitCode, result.ExecutionTime, c.clock.Now())
	if err := writer.write(response); err != nil {
		// The record on the server is still sent; its timeout will
		// resolve it if we cannot reconnect and the server never
		// hears back.
		c.logger.Error("sending result", "command_id", command.ID, "error", err)
		return
	}
	c.logger.Info("command finished", "command_id", command.ID, "exit_code", result.ExitCode)
}

func (c *Client) keepalive(ctx context.Context, writer *sessionWriter) {
	ticker := c.clock.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.write(protocol.NewPing()); err != nil {
				return
			}
		}
	}
}

func (c *Client) statusFields() map[string]string {
	fields := map[string]string{
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		fields["hostname"] = hostname
	}
	for key, value := range c.config.Metadata {
		fields[key] = value
	}
	return fields
}
