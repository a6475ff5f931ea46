// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package history provides querying, analytics, export, and retention
// over the command record store.
package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/store"
)

// Service answers history queries. Safe for concurrent use.
type Service struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a history service over the given store.
func New(recordStore *store.Store, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{store: recordStore, clock: clk, logger: logger}
}

// Query returns command records matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter store.Filter) ([]store.Command, error) {
	return s.store.CommandsWithFilters(ctx, filter)
}

// Statistics aggregates command outcomes for one device, or the whole
// fleet when deviceID is empty.
func (s *Service) Statistics(ctx context.Context, deviceID string) (store.Statistics, error) {
	return s.store.CommandStatistics(ctx, deviceID)
}

// Record is the export shape of one command record.
type Record struct {
	CommandID      string  `json:"command_id"`
	DeviceID       string  `json:"device_id"`
	Command        string  `json:"command"`
	Priority       int     `json:"priority"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at"`
	SentAt         string  `json:"sent_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
	Stdout         string  `json:"stdout,omitempty"`
	Stderr         string  `json:"stderr,omitempty"`
	ExitCode       *int    `json:"exit_code,omitempty"`
	ExecutionTime  float64 `json:"execution_time,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
}

// Records converts command records to their export shape.
func Records(commands []store.Command) []Record {
	records := make([]Record, 0, len(commands))
	for _, cmd := range commands {
		records = append(records, toRecord(cmd))
	}
	return records
}

func toRecord(cmd store.Command) Record {
	return Record{
		CommandID:      cmd.CommandID,
		DeviceID:       cmd.DeviceID,
		Command:        cmd.CommandText,
		Priority:       cmd.Priority,
		TimeoutSeconds: cmd.TimeoutSeconds,
		Status:         string(cmd.Status),
		CreatedAt:      formatTime(cmd.CreatedAt),
		SentAt:         formatTime(cmd.SentAt),
		CompletedAt:    formatTime(cmd.CompletedAt),
		Stdout:         cmd.Stdout,
		Stderr:         cmd.Stderr,
		ExitCode:       cmd.ExitCode,
		ExecutionTime:  cmd.ExecutionTime,
		ErrorMessage:   cmd.ErrorMessage,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ExportJSON writes matching records as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, w io.Writer, filter store.Filter) error {
	commands, err := s.store.CommandsWithFilters(ctx, filter)
	if err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	records := Records(commands)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(records); err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"command_id", "device_id", "command", "priority", "timeout_seconds",
	"status", "created_at", "sent_at", "completed_at", "exit_code",
	"execution_time", "error_message",
}

// ExportCSV writes matching records as CSV with a header row. Command
// output is omitted; CSV export is for audit trails, not payloads.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter store.Filter) error {
	commands, err := s.store.CommandsWithFilters(ctx, filter)
	if err != nil {
		return fmt.Errorf("history: export: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	for _, cmd := range commands {
		exitCode := ""
		if cmd.ExitCode != nil {
			exitCode = strconv.Itoa(*cmd.ExitCode)
		}
		row := []string{
			cmd.CommandID,
			cmd.DeviceID,
			cmd.CommandText,
			strconv.Itoa(cmd.Priority),
			strconv.Itoa(cmd.TimeoutSeconds),
			string(cmd.Status),
			formatTime(cmd.CreatedAt),
			formatTime(cmd.SentAt),
			formatTime(cmd.CompletedAt),
			exitCode,
			strconv.FormatFloat(cmd.ExecutionTime, 'f', -1, 64),
			cmd.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("history: export: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	return nil
}

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ExportGzip writes a gzip-compressed export in the given format.
func (s *Service) ExportGzip(ctx context.Context, w io.Writer, filter store.Filter, format Format) error {
	compressor := gzip.NewWriter(w)
	var err error
	switch format {
	case FormatJSON:
		err = s.ExportJSON(ctx, compressor, filter)
	case FormatCSV:
		err = s.ExportCSV(ctx, compressor, filter)
	default:
		compressor.Close()
		return fmt.Errorf("history: unknown export format %q", format)
	}
	if err != nil {
		compressor.Close()
		return err
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("history: export: %w", err)
	}
	return nil
}

// Cleanup deletes finished command records older than the retention
// window and returns the number removed.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: cleanup: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("history cleanup", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// DeviceSummary is one device's record plus its command statistics.
type DeviceSummary struct {
	Device store.Device     `json:"device"`
	Stats  store.Statistics `json:"stats"`
}

// Summary returns one device's summary.
func (s *Service) Summary(ctx context.Context, deviceID string) (DeviceSummary, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return DeviceSummary{}, fmt.Errorf("history: summary: %w", err)
	}
	stats, err := s.store.CommandStatistics(ctx, deviceID)
	if err != nil {
		return DeviceSummary{}, fmt.Errorf("history: summary: %w", err)
	}
	return DeviceSummary{Device: device, Stats: stats}, nil
}

// FleetSummary aggregates device connectivity and global command
// statistics.
type FleetSummary struct {
	Devices        int              `json:"devices"`
	DevicesOnline  int              `json:"devices_online"`
	DevicesOffline int              `json:"devices_offline"`
	Stats          store.Statistics `json:"stats"`
}

// Fleet returns the whole-fleet summary.
func (s *Service) Fleet(ctx context.Context) (FleetSummary, error) {
	devices, err := s.store.AllDevices(ctx)
	if err != nil {
		return FleetSummary{}, fmt.Errorf("history: fleet summary: %w", err)
	}
	summary := FleetSummary{Devices: len(devices)}
	for _, device := range devices {
		if device.Status == store.DeviceOnline {
			summary.DevicesOnline++
		} else {
			summary.DevicesOffline++
		}
	}
	summary.Stats, err = s.store.CommandStatistics(ctx, "")
	if err != nil {
		return FleetSummary{}, fmt.Errorf("history: fleet summary: %w", err)
	}
	return summary, nil
}
