// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/policy"
	"github.com/fleetshell/fleetshell/lib/store"
)

func testQueue(t *testing.T) (*Queue, *store.Store, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	recordStore, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "queue_test.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { recordStore.Close() })

	engine := policy.NewEngine(policy.Default())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(recordStore, engine, logger), recordStore, fakeClock
}

func TestEnqueuePersistsPending(t *testing.T) {
	q, recordStore, _ := testQueue(t)
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "device-1", "uptime", 0, 10)
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if cmd.CommandID == "" {
		t.Fatal("command id not assigned")
	}
	if cmd.TimeoutSeconds != 10 {
		t.Errorf("timeout = %d, want 10", cmd.TimeoutSeconds)
	}

	stored, err := recordStore.GetCommand(ctx, cmd.CommandID)
	if err != nil {
		t.Fatalf("reading back: %v", err)
	}
	if stored.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", stored.Status)
	}
}

func TestEnqueueCapsTimeout(t *testing.T) {
	q, _, _ := testQueue(t)

	cmd, err := q.Enqueue(context.Background(), "device-1", "uptime", 0, 500)
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if cmd.TimeoutSeconds != 30 {
		t.Errorf("timeout = %d, want capped to 30", cmd.TimeoutSeconds)
	}
}

func TestEnqueueRejectionLeavesNoRecord(t *testing.T) {
	q, recordStore, _ := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "device-1", "rm -rf /", 0, 10)
	var rejection *policy.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("err = %v, want RejectionError", err)
	}

	records, err := recordStore.CommandsWithFilters(ctx, store.Filter{DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("listing records: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("rejected command persisted: %v", records)
	}
	if q.Len("device-1") != 0 {
		t.Errorf("rejected command queued")
	}
}

func TestNextDeliversByPriorityThenAge(t *testing.T) {
	q, _, fakeClock := testQueue(t)
	ctx := context.Background()

	var ids []string
	for _, priority := range []int{1, 5, 2} {
		cmd, err := q.Enqueue(ctx, "device-1", "uptime", priority, 10)
		if err != nil {
			t.Fatalf("enqueueing priority %d: %v", priority, err)
		}
		ids = append(ids, cmd.CommandID)
		fakeClock.Advance(time.Second)
	}
	// Same priority as ids[0] but created later: must come out after it.
	late, err := q.Enqueue(ctx, "device-1", "uptime", 1, 10)
	if err != nil {
		t.Fatalf("enqueueing late command: %v", err)
	}

	want := []string{ids[1], ids[2], ids[0], late.CommandID}
	for i, wantID := range want {
		cmd, err := q.Next(ctx, "device-1")
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if cmd.CommandID != wantID {
			t.Errorf("delivery[%d] = %s, want %s", i, cmd.CommandID, wantID)
		}
	}
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	q, _, _ := testQueue(t)
	ctx := context.Background()

	got := make(chan store.Command, 1)
	go func() {
		cmd, err := q.Next(ctx, "device-1")
		if err != nil {
			return
		}
		got <- cmd
	}()

	select {
	case cmd := <-got:
		t.Fatalf("Next returned %v before any enqueue", cmd.CommandID)
	case <-time.After(20 * time.Millisecond):
	}

	cmd, err := q.Enqueue(ctx, "device-1", "uptime", 0, 10)
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	select {
	case delivered := <-got:
		if delivered.CommandID != cmd.CommandID {
			t.Errorf("delivered %s, want %s", delivered.CommandID, cmd.CommandID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not wake after enqueue")
	}
}

func TestNextHonorsContext(t *testing.T) {
	q, _, _ := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Next(ctx, "device-1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDrainForLoadsBacklog(t *testing.T) {
	q, recordStore, _ := testQueue(t)
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "device-1", "uptime", 0, 10)
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	// Simulate a restart: fresh queue over the same store.
	fresh := New(recordStore, policy.NewEngine(policy.Default()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	loaded, err := fresh.DrainFor(ctx, "device-1")
	if err != nil {
		t.Fatalf("draining: %v", err)
	}
	if loaded != 1 {
		t.Errorf("loaded %d commands, want 1", loaded)
	}
	delivered, err := fresh.Next(ctx, "device-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if delivered.CommandID != cmd.CommandID {
		t.Errorf("delivered %s, want %s", delivered.CommandID, cmd.CommandID)
	}
}

func TestDrainForSkipsAlreadyQueued(t *testing.T) {
	q, _, _ := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "device-1", "uptime", 0, 10); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	loaded, err := q.DrainFor(ctx, "device-1")
	if err != nil {
		t.Fatalf("draining: %v", err)
	}
	if loaded != 0 {
		t.Errorf("loaded %d duplicates, want 0", loaded)
	}
	if q.Len("device-1") != 1 {
		t.Errorf("queue length = %d, want 1", q.Len("device-1"))
	}
}
