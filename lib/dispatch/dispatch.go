// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch owns the command lifecycle state machine:
// pending → sent → completed | failed | timeout.
//
// The coordinator arms one timeout timer per sent command and resolves
// the race between a device's result and the timer through the store's
// guarded status transitions: whichever side persists first wins, the
// loser's update changes no row. Results for commands that are not
// awaiting one (duplicates, late arrivals, unknown ids) are discarded
// with ErrNotSent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/store"
)

// ErrNotSent is returned by HandleResult when the command is not
// awaiting a result. Callers log and drop; this is expected traffic
// after timeouts and restarts, not a fault.
var ErrNotSent = errors.New("dispatch: command is not awaiting a result")

// Result is the outcome a device reports for one command.
type Result struct {
	CommandID     string
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime float64
}

// Coordinator tracks sent commands and their timeout timers. Safe for
// concurrent use.
type Coordinator struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	timers   map[string]*clock.Timer
	shutdown bool
}

// New creates a coordinator over the given store.
func New(recordStore *store.Store, clk clock.Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  recordStore,
		clock:  clk,
		logger: logger,
		timers: make(map[string]*clock.Timer),
	}
}

// MarkSent transitions a command from pending to sent and arms its
// timeout timer. The timer outlives the device's connection: delivery
// already happened, so only a result or the deadline may finish the
// command.
func (c *Coordinator) MarkSent(ctx context.Context, cmd store.Command) error {
	applied, err := c.store.UpdateCommandStatus(ctx, cmd.CommandID, store.StatusUpdate{Status: store.StatusSent})
	if err != nil {
		return fmt.Errorf("dispatch: marking %s sent: %w", cmd.CommandID, err)
	}
	if !applied {
		return fmt.Errorf("dispatch: marking %s sent: command is not pending", cmd.CommandID)
	}

	timeout := time.Duration(cmd.TimeoutSeconds) * time.Second
	c.mu.Lock()
	if !c.shutdown {
		c.timers[cmd.CommandID] = c.clock.AfterFunc(timeout, func() {
			c.handleTimeout(cmd.CommandID)
		})
	}
	c.mu.Unlock()

	c.logger.Info("command sent",
		"device_id", cmd.DeviceID,
		"command_id", cmd.CommandID,
		"timeout_seconds", cmd.TimeoutSeconds)
	return nil
}

// handleTimeout fires when a sent command's deadline passes without a
// result. The tracked-set removal decides the in-process race; the
// store's sent-only guard decides the cross-restart one.
func (c *Coordinator) handleTimeout(commandID string) {
	c.mu.Lock()
	if _, tracked := c.timers[commandID]; !tracked {
		// A result arrived between the timer firing and this callback
		// taking the lock.
		c.mu.Unlock()
		return
	}
	delete(c.timers, commandID)
	c.mu.Unlock()

	applied, err := c.store.UpdateCommandStatus(context.Background(), commandID, store.StatusUpdate{
		Status:       store.StatusTimeout,
		ErrorMessage: "execution timed out",
	})
	if err != nil {
		c.logger.Error("persisting command timeout", "command_id", commandID, "error", err)
		return
	}
	if !applied {
		return
	}
	c.logger.Warn("command timed out", "command_id", commandID)
}

// HandleResult applies a device-reported result: exit code zero
// completes the command, anything else fails it. Returns ErrNotSent
// when the command is not awaiting a result — unknown id, already
// terminal, or the timeout won the race.
//
// A command can be awaiting a result without a tracked timer: after a
// process restart the record is still sent but the in-memory state is
// gone. Those results are accepted against the store directly.
func (c *Coordinator) HandleResult(ctx context.Context, result Result) error {
	c.mu.Lock()
	timer, tracked := c.timers[result.CommandID]
	if tracked {
		delete(c.timers, result.CommandID)
	}
	c.mu.Unlock()
	if tracked {
		timer.Stop()
	} else {
		cmd, err := c.store.GetCommand(ctx, result.CommandID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("dispatch: result for unknown command %s: %w", result.CommandID, ErrNotSent)
		}
		if err != nil {
			return fmt.Errorf("dispatch: handling result for %s: %w", result.CommandID, err)
		}
		if cmd.Status != store.StatusSent {
			return fmt.Errorf("dispatch: result for %s command %s: %w", cmd.Status, result.CommandID, ErrNotSent)
		}
	}

	status := store.StatusCompleted
	if result.ExitCode != 0 {
		status = store.StatusFailed
	}
	applied, err := c.store.UpdateCommandStatus(ctx, result.CommandID, store.StatusUpdate{
		Status:        status,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      &result.ExitCode,
		ExecutionTime: result.ExecutionTime,
	})
	if err != nil {
		return fmt.Errorf("dispatch: persisting result for %s: %w", result.CommandID, err)
	}
	if !applied {
		return fmt.Errorf("dispatch: result for finished command %s: %w", result.CommandID, ErrNotSent)
	}

	c.logger.Info("command finished",
		"command_id", result.CommandID,
		"status", status,
		"exit_code", result.ExitCode,
		"execution_time", result.ExecutionTime)
	return nil
}

// Tracked reports how many sent commands have armed timers.
func (c *Coordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Shutdown stops all timers without transitioning any record: sent
// commands stay sent and are resolved on the next start, when their
// devices reconnect and report, or stay visible as stuck for operators.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	for commandID, timer := range c.timers {
		timer.Stop()
		delete(c.timers, commandID)
	}
}
