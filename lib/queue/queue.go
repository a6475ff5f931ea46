// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue orders commands for delivery, one queue per device.
//
// Enqueue validates against the security policy, persists the command
// as pending, and only then makes it available for dispatch, so an
// accepted command survives a crash at any point. Delivery order is
// priority descending, then creation time ascending; commands queued
// while a device is offline wait in the heap (and in the store) until
// the device reconnects and the backlog is drained.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetshell/fleetshell/lib/policy"
	"github.com/fleetshell/fleetshell/lib/store"
)

// Queue validates, persists, and orders commands per device. Safe for
// concurrent use.
type Queue struct {
	store  *store.Store
	engine *policy.Engine
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceQueue
}

// queued is one heap entry. seq breaks ties between commands created
// in the same clock tick so ordering stays deterministic.
type queued struct {
	cmd store.Command
	seq uint64
}

type commandHeap []*queued

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].cmd.Priority != h[j].cmd.Priority {
		return h[i].cmd.Priority > h[j].cmd.Priority
	}
	if !h[i].cmd.CreatedAt.Equal(h[j].cmd.CreatedAt) {
		return h[i].cmd.CreatedAt.Before(h[j].cmd.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type deviceQueue struct {
	items commandHeap

	// ids mirrors the heap contents so backlog drains can skip
	// commands already queued in memory.
	ids map[string]bool

	// signal wakes the single delivery loop blocked in Next. Capacity
	// one: a pending wakeup is never lost, repeats collapse.
	signal chan struct{}

	nextSeq uint64
}

// New creates a queue backed by the given store and policy engine.
func New(recordStore *store.Store, engine *policy.Engine, logger *slog.Logger) *Queue {
	return &Queue{
		store:   recordStore,
		engine:  engine,
		logger:  logger,
		devices: make(map[string]*deviceQueue),
	}
}

// deviceLocked returns the per-device state, creating it on first use.
// Caller holds q.mu.
func (q *Queue) deviceLocked(deviceID string) *deviceQueue {
	dq, ok := q.devices[deviceID]
	if !ok {
		dq = &deviceQueue{
			ids:    make(map[string]bool),
			signal: make(chan struct{}, 1),
		}
		q.devices[deviceID] = dq
	}
	return dq
}

// Enqueue validates a command against policy, persists it as pending,
// and queues it for delivery. A policy rejection leaves no record; the
// returned error wraps policy.RejectionError. The requested timeout is
// capped by the policy before persisting, so replay after a restart
// uses the same effective timeout.
func (q *Queue) Enqueue(ctx context.Context, deviceID, commandText string, priority, timeoutSeconds int) (store.Command, error) {
	if err := q.engine.Validate(commandText); err != nil {
		q.logger.Warn("command rejected by policy",
			"device_id", deviceID, "error", err)
		return store.Command{}, fmt.Errorf("queue: enqueue for %s: %w", deviceID, err)
	}

	cmd := store.Command{
		CommandID:      uuid.NewString(),
		DeviceID:       deviceID,
		CommandText:    commandText,
		Priority:       priority,
		TimeoutSeconds: q.engine.EffectiveTimeout(timeoutSeconds),
	}
	cmd, err := q.store.CreateCommand(ctx, cmd)
	if err != nil {
		return store.Command{}, fmt.Errorf("queue: enqueue for %s: %w", deviceID, err)
	}

	q.mu.Lock()
	q.pushLocked(q.deviceLocked(deviceID), cmd)
	q.mu.Unlock()

	q.logger.Info("command queued",
		"device_id", deviceID,
		"command_id", cmd.CommandID,
		"priority", cmd.Priority,
		"timeout_seconds", cmd.TimeoutSeconds)
	return cmd, nil
}

// pushLocked adds a command to a device heap and wakes the delivery
// loop. Caller holds q.mu.
func (q *Queue) pushLocked(dq *deviceQueue, cmd store.Command) {
	item := &queued{cmd: cmd, seq: dq.nextSeq}
	dq.nextSeq++
	heap.Push(&dq.items, item)
	dq.ids[cmd.CommandID] = true
	select {
	case dq.signal <- struct{}{}:
	default:
	}
}

// DrainFor loads a device's pending commands from the store into its
// in-memory heap. Called on device reconnect so commands queued while
// the device was offline (or before a process restart) are delivered.
// Commands already in the heap are skipped.
func (q *Queue) DrainFor(ctx context.Context, deviceID string) (int, error) {
	pending, err := q.store.PendingCommands(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("queue: draining backlog for %s: %w", deviceID, err)
	}

	q.mu.Lock()
	dq := q.deviceLocked(deviceID)
	loaded := 0
	for _, cmd := range pending {
		if dq.ids[cmd.CommandID] {
			continue
		}
		q.pushLocked(dq, cmd)
		loaded++
	}
	q.mu.Unlock()

	if loaded > 0 {
		q.logger.Info("backlog drained", "device_id", deviceID, "loaded", loaded)
	}
	return loaded, nil
}

// Next blocks until a command is available for the device, then
// removes and returns the highest-priority one. Returns the context
// error when ctx is done. Intended for a single delivery loop per
// device.
func (q *Queue) Next(ctx context.Context, deviceID string) (store.Command, error) {
	for {
		q.mu.Lock()
		dq := q.deviceLocked(deviceID)
		if dq.items.Len() > 0 {
			item := heap.Pop(&dq.items).(*queued)
			delete(dq.ids, item.cmd.CommandID)
			q.mu.Unlock()
			return item.cmd, nil
		}
		signal := dq.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return store.Command{}, ctx.Err()
		case <-signal:
		}
	}
}

// Len reports how many commands are queued in memory for a device.
func (q *Queue) Len(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.devices[deviceID]
	if !ok {
		return 0
	}
	return dq.items.Len()
}
