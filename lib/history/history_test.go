// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/store"
)

func testService(t *testing.T) (*Service, *store.Store, *clock.FakeClock) {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	recordStore, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "history_test.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { recordStore.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(recordStore, fakeClock, logger), recordStore, fakeClock
}

func seedCompleted(t *testing.T, recordStore *store.Store, commandID, deviceID string, exitCode int) {
	t.Helper()
	ctx := context.Background()
	if _, err := recordStore.CreateCommand(ctx, store.Command{
		CommandID:      commandID,
		DeviceID:       deviceID,
		CommandText:    "uptime",
		TimeoutSeconds: 30,
	}); err != nil {
		t.Fatalf("creating %s: %v", commandID, err)
	}
	if _, err := recordStore.UpdateCommandStatus(ctx, commandID, store.StatusUpdate{Status: store.StatusSent}); err != nil {
		t.Fatalf("marking %s sent: %v", commandID, err)
	}
	status := store.StatusCompleted
	if exitCode != 0 {
		status = store.StatusFailed
	}
	if _, err := recordStore.UpdateCommandStatus(ctx, commandID, store.StatusUpdate{
		Status:        status,
		Stdout:        "ok\n",
		ExitCode:      &exitCode,
		ExecutionTime: 1.5,
	}); err != nil {
		t.Fatalf("finishing %s: %v", commandID, err)
	}
}

func TestExportJSON(t *testing.T) {
	service, recordStore, _ := testService(t)
	seedCompleted(t, recordStore, "cmd-1", "device-1", 0)

	var buf bytes.Buffer
	if err := service.ExportJSON(context.Background(), &buf, store.Filter{}); err != nil {
		t.Fatalf("exporting: %v", err)
	}

	var records []Record
	if err := json.Unmarshal(buf.Bytes(), &records); err != nil {
		t.Fatalf("parsing export: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	record := records[0]
	if record.CommandID != "cmd-1" || record.Status != "completed" {
		t.Errorf("record = %+v", record)
	}
	if record.CreatedAt == "" || record.CompletedAt == "" {
		t.Errorf("timestamps missing: %+v", record)
	}
}

func TestExportCSV(t *testing.T) {
	service, recordStore, fakeClock := testService(t)
	seedCompleted(t, recordStore, "cmd-1", "device-1", 0)
	fakeClock.Advance(time.Minute)
	seedCompleted(t, recordStore, "cmd-2", "device-1", 2)

	var buf bytes.Buffer
	if err := service.ExportCSV(context.Background(), &buf, store.Filter{}); err != nil {
		t.Fatalf("exporting: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "command_id" {
		t.Errorf("header = %v", rows[0])
	}
	// Newest first.
	if rows[1][0] != "cmd-2" || rows[2][0] != "cmd-1" {
		t.Errorf("row order = %v, %v", rows[1][0], rows[2][0])
	}
}

func TestExportGzip(t *testing.T) {
	service, recordStore, _ := testService(t)
	seedCompleted(t, recordStore, "cmd-1", "device-1", 0)

	var buf bytes.Buffer
	if err := service.ExportGzip(context.Background(), &buf, store.Filter{}, FormatJSON); err != nil {
		t.Fatalf("exporting: %v", err)
	}

	reader, err := gzip.NewReader(&buf)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("decompressing: %v", err)
	}
	if !strings.Contains(string(payload), "cmd-1") {
		t.Errorf("decompressed export missing record: %s", payload)
	}

	if err := service.ExportGzip(context.Background(), &buf, store.Filter{}, Format("xml")); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestCleanup(t *testing.T) {
	service, recordStore, fakeClock := testService(t)
	seedCompleted(t, recordStore, "cmd-old", "device-1", 0)
	fakeClock.Advance(72 * time.Hour)
	seedCompleted(t, recordStore, "cmd-new", "device-1", 0)

	deleted, err := service.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
	remaining, err := service.Query(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(remaining) != 1 || remaining[0].CommandID != "cmd-new" {
		t.Errorf("remaining = %v", remaining)
	}
}

func TestSummaryAndFleet(t *testing.T) {
	service, recordStore, _ := testService(t)
	ctx := context.Background()

	for _, deviceID := range []string{"device-1", "device-2"} {
		if err := recordStore.RegisterDevice(ctx, deviceID); err != nil {
			t.Fatalf("registering %s: %v", deviceID, err)
		}
	}
	if err := recordStore.UpdateDeviceStatus(ctx, "device-1", store.DeviceOnline); err != nil {
		t.Fatalf("marking online: %v", err)
	}
	seedCompleted(t, recordStore, "cmd-1", "device-1", 0)
	seedCompleted(t, recordStore, "cmd-2", "device-2", 1)

	summary, err := service.Summary(ctx, "device-1")
	if err != nil {
		t.Fatalf("device summary: %v", err)
	}
	if summary.Device.Status != store.DeviceOnline {
		t.Errorf("device status = %q", summary.Device.Status)
	}
	if summary.Stats.Total != 1 || summary.Stats.Completed != 1 {
		t.Errorf("device stats = %+v", summary.Stats)
	}

	fleet, err := service.Fleet(ctx)
	if err != nil {
		t.Fatalf("fleet summary: %v", err)
	}
	if fleet.Devices != 2 || fleet.DevicesOnline != 1 || fleet.DevicesOffline != 1 {
		t.Errorf("fleet = %+v", fleet)
	}
	if fleet.Stats.Total != 2 || fleet.Stats.Failed != 1 {
		t.Errorf("fleet stats = %+v", fleet.Stats)
	}
}
