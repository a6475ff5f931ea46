// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists device records and command records in SQLite.
//
// The store is the durable half of the dispatch engine: commands are
// written as pending before delivery is attempted, so a process restart
// or device disconnect never loses work. Status transitions are guarded
// in SQL — once a command reaches a terminal state (completed, failed,
// timeout) no further update touches the row.
//
// Connections come from a fixed-size zombiezen pool with WAL journal
// mode, NORMAL synchronous, and a busy timeout, applied once per
// connection. The pool is safe for concurrent use; individual
// connections are not, so every method takes its own connection for the
// duration of its work.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fleetshell/fleetshell/lib/clock"
)

// ErrNotFound is returned when a device or command lookup matches no
// row.
var ErrNotFound = errors.New("store: not found")

// CommandStatus is a command's lifecycle state.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSent      CommandStatus = "sent"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusTimeout   CommandStatus = "timeout"
)

// Terminal reports whether the status permits no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// DeviceStatus is a device's connectivity state.
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Device is one known device. Created on first successful
// authentication; never deleted by the core.
type Device struct {
	DeviceID      string
	Status        DeviceStatus
	FirstSeen     time.Time
	LastConnected time.Time
	Metadata      map[string]string
}

// Command is one tracked shell invocation for one device.
type Command struct {
	CommandID      string
	DeviceID       string
	CommandText    string
	Priority       int
	TimeoutSeconds int
	Status         CommandStatus
	CreatedAt      time.Time
	SentAt         time.Time
	CompletedAt    time.Time
	Stdout         string
	Stderr         string
	ExitCode       *int
	ExecutionTime  float64
	ErrorMessage   string
}

// StatusUpdate carries the fields written alongside a status
// transition. Result fields are ignored for the pending→sent
// transition.
type StatusUpdate struct {
	Status        CommandStatus
	Stdout        string
	Stderr        string
	ExitCode      *int
	ExecutionTime float64
	ErrorMessage  string
}

// Filter selects command records for queries and exports. Zero fields
// match everything.
type Filter struct {
	DeviceID string
	Status   CommandStatus
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Statistics summarizes command outcomes, globally or for one device.
type Statistics struct {
	Total                int     `json:"total_commands"`
	Pending              int     `json:"pending"`
	Sent                 int     `json:"sent"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Timeout              int     `json:"timeout"`
	AverageExecutionTime float64 `json:"avg_execution_time"`
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id      TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'offline',
	first_seen     INTEGER NOT NULL,
	last_connected INTEGER,
	metadata       TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS commands (
	command_id     TEXT PRIMARY KEY,
	device_id      TEXT NOT NULL,
	command_text   TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     INTEGER NOT NULL,
	sent_at        INTEGER,
	completed_at   INTEGER,
	stdout         TEXT,
	stderr         TEXT,
	exit_code      INTEGER,
	execution_time REAL,
	error_message  TEXT
);

CREATE INDEX IF NOT EXISTS idx_commands_device_status ON commands(device_id, status);
CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. Use ":memory:" in tests (forces pool size 1, since each
	// in-memory connection is independent).
	Path string

	// PoolSize is the connection pool size. Zero or negative defaults
	// to 4; SQLite serializes writes regardless, extra connections
	// only help concurrent reads.
	PoolSize int

	// Clock stamps record timestamps.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Store is the durable record store. Safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open creates the connection pool and the schema. The caller must
// Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("store: %s: %w", pragma, err)
				}
			}
			if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
				return fmt.Errorf("store: creating schema: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the pool. Blocks until borrowed connections return.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing: %w", err)
	}
	return nil
}

// RegisterDevice upserts a device record: first_seen is set once, on
// the first registration; last_connected is refreshed on every call.
func (s *Store) RegisterDevice(ctx context.Context, deviceID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: register device: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixMilli()
	err = sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, status, first_seen, last_connected)
		VALUES (?, 'offline', ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_connected = excluded.last_connected`,
		&sqlitex.ExecOptions{Args: []any{deviceID, now, now}})
	if err != nil {
		return fmt.Errorf("store: register device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateDeviceStatus sets a device's connectivity state. Going online
// also refreshes last_connected. A missing device is a no-op.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status DeviceStatus) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: update device status: %w", err)
	}
	defer s.pool.Put(conn)

	if status == DeviceOnline {
		err = sqlitex.Execute(conn,
			"UPDATE devices SET status = ?, last_connected = ? WHERE device_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(status), s.clock.Now().UnixMilli(), deviceID}})
	} else {
		err = sqlitex.Execute(conn,
			"UPDATE devices SET status = ? WHERE device_id = ?",
			&sqlitex.ExecOptions{Args: []any{string(status), deviceID}})
	}
	if err != nil {
		return fmt.Errorf("store: update device %s status: %w", deviceID, err)
	}
	return nil
}

// MergeDeviceMetadata merges key/value pairs into a device's stored
// metadata. Existing keys are overwritten; absent keys are preserved.
func (s *Store) MergeDeviceMetadata(ctx context.Context, deviceID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: merge metadata: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: merge metadata: begin: %w", err)
	}
	defer endTransaction(&err)

	var metadataJSON string
	found := false
	err = sqlitex.Execute(conn,
		"SELECT metadata FROM devices WHERE device_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				metadataJSON = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("store: merge metadata for %s: %w", deviceID, err)
	}
	if !found {
		return fmt.Errorf("store: merge metadata for %s: %w", deviceID, ErrNotFound)
	}

	metadata := make(map[string]string)
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return fmt.Errorf("store: parsing metadata for %s: %w", deviceID, err)
		}
	}
	for key, value := range fields {
		metadata[key] = value
	}

	merged, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: encoding metadata for %s: %w", deviceID, err)
	}

	err = sqlitex.Execute(conn,
		"UPDATE devices SET metadata = ? WHERE device_id = ?",
		&sqlitex.ExecOptions{Args: []any{string(merged), deviceID}})
	if err != nil {
		return fmt.Errorf("store: writing metadata for %s: %w", deviceID, err)
	}
	return nil
}

// GetDevice returns one device, or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Device{}, fmt.Errorf("store: get device: %w", err)
	}
	defer s.pool.Put(conn)

	var device Device
	found := false
	err = sqlitex.Execute(conn,
		"SELECT device_id, status, first_seen, last_connected, metadata FROM devices WHERE device_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var scanErr error
				device, scanErr = scanDevice(stmt)
				found = true
				return scanErr
			},
		})
	if err != nil {
		return Device{}, fmt.Errorf("store: get device %s: %w", deviceID, err)
	}
	if !found {
		return Device{}, fmt.Errorf("store: get device %s: %w", deviceID, ErrNotFound)
	}
	return device, nil
}

// AllDevices returns every known device ordered by identifier.
func (s *Store) AllDevices(ctx context.Context) ([]Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: all devices: %w", err)
	}
	defer s.pool.Put(conn)

	var devices []Device
	err = sqlitex.Execute(conn,
		"SELECT device_id, status, first_seen, last_connected, metadata FROM devices ORDER BY device_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				device, scanErr := scanDevice(stmt)
				if scanErr != nil {
					return scanErr
				}
				devices = append(devices, device)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: all devices: %w", err)
	}
	return devices, nil
}

// CreateCommand persists a new pending command, stamping CreatedAt.
// Returns the stored record.
func (s *Store) CreateCommand(ctx context.Context, cmd Command) (Command, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Command{}, fmt.Errorf("store: create command: %w", err)
	}
	defer s.pool.Put(conn)

	cmd.Status = StatusPending
	cmd.CreatedAt = s.clock.Now()

	err = sqlitex.Execute(conn, `
		INSERT INTO commands (command_id, device_id, command_text, priority, timeout_seconds, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			cmd.CommandID, cmd.DeviceID, cmd.CommandText, cmd.Priority,
			cmd.TimeoutSeconds, string(cmd.Status), cmd.CreatedAt.UnixMilli(),
		}})
	if err != nil {
		return Command{}, fmt.Errorf("store: create command %s: %w", cmd.CommandID, err)
	}
	return cmd, nil
}

// UpdateCommandStatus applies a guarded status transition and reports
// whether a row changed. The state machine is enforced in the WHERE
// clause: pending→sent only from pending, terminal states only from
// sent. A false return means the command was missing or the transition
// was not legal (already terminal, already sent, etc.) — callers treat
// that as a stale update and discard it.
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, update StatusUpdate) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: update command status: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixMilli()

	switch {
	case update.Status == StatusSent:
		err = sqlitex.Execute(conn,
			"UPDATE commands SET status = ?, sent_at = ? WHERE command_id = ? AND status = 'pending'",
			&sqlitex.ExecOptions{Args: []any{string(StatusSent), now, commandID}})
	case update.Status.Terminal():
		var exitCode any
		if update.ExitCode != nil {
			exitCode = *update.ExitCode
		}
		err = sqlitex.Execute(conn, `
			UPDATE commands
			SET status = ?, stdout = ?, stderr = ?, exit_code = ?,
			    execution_time = ?, error_message = ?, completed_at = ?
			WHERE command_id = ? AND status = 'sent'`,
			&sqlitex.ExecOptions{Args: []any{
				string(update.Status), update.Stdout, update.Stderr, exitCode,
				update.ExecutionTime, update.ErrorMessage, now, commandID,
			}})
	default:
		return false, fmt.Errorf("store: illegal status transition target %q", update.Status)
	}
	if err != nil {
		return false, fmt.Errorf("store: update command %s to %s: %w", commandID, update.Status, err)
	}
	return conn.Changes() > 0, nil
}

// GetCommand returns one command record, or ErrNotFound.
func (s *Store) GetCommand(ctx context.Context, commandID string) (Command, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Command{}, fmt.Errorf("store: get command: %w", err)
	}
	defer s.pool.Put(conn)

	var cmd Command
	found := false
	err = sqlitex.Execute(conn,
		selectCommandColumns+" WHERE command_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{commandID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cmd = scanCommand(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Command{}, fmt.Errorf("store: get command %s: %w", commandID, err)
	}
	if !found {
		return Command{}, fmt.Errorf("store: get command %s: %w", commandID, ErrNotFound)
	}
	return cmd, nil
}

// PendingCommands returns a device's still-pending commands in delivery
// order: priority descending, then creation time ascending.
func (s *Store) PendingCommands(ctx context.Context, deviceID string) ([]Command, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: pending commands: %w", err)
	}
	defer s.pool.Put(conn)

	var commands []Command
	err = sqlitex.Execute(conn,
		selectCommandColumns+` WHERE device_id = ? AND status = 'pending'
		ORDER BY priority DESC, created_at ASC`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				commands = append(commands, scanCommand(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending commands for %s: %w", deviceID, err)
	}
	return commands, nil
}

// CommandsWithFilters returns command records matching the filter,
// newest first. A zero Limit defaults to 100.
func (s *Store) CommandsWithFilters(ctx context.Context, filter Filter) ([]Command, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: filtered commands: %w", err)
	}
	defer s.pool.Put(conn)

	query := selectCommandColumns + " WHERE 1=1"
	var args []any
	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until.UnixMilli())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	var commands []Command
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			commands = append(commands, scanCommand(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: filtered commands: %w", err)
	}
	return commands, nil
}

// CommandStatistics aggregates command counts per status and the mean
// execution time of completed commands. An empty deviceID aggregates
// the whole fleet.
func (s *Store) CommandStatistics(ctx context.Context, deviceID string) (Statistics, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("store: statistics: %w", err)
	}
	defer s.pool.Put(conn)

	query := `
		SELECT
			COUNT(*),
			SUM(status = 'pending'),
			SUM(status = 'sent'),
			SUM(status = 'completed'),
			SUM(status = 'failed'),
			SUM(status = 'timeout'),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN execution_time END), 0)
		FROM commands`
	var args []any
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}

	var stats Statistics
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Total = stmt.ColumnInt(0)
			stats.Pending = stmt.ColumnInt(1)
			stats.Sent = stmt.ColumnInt(2)
			stats.Completed = stmt.ColumnInt(3)
			stats.Failed = stmt.ColumnInt(4)
			stats.Timeout = stmt.ColumnInt(5)
			stats.AverageExecutionTime = stmt.ColumnFloat(6)
			return nil
		},
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("store: statistics: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes terminal command records created before the
// cutoff and returns the number deleted. Pending and sent records are
// never removed — they are still owed delivery or a result.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: delete older than: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM commands WHERE created_at < ? AND status IN ('completed', 'failed', 'timeout')",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("store: delete older than %v: %w", cutoff, err)
	}
	return conn.Changes(), nil
}

const selectCommandColumns = `
	SELECT command_id, device_id, command_text, priority, timeout_seconds,
	       status, created_at, sent_at, completed_at, stdout, stderr,
	       exit_code, execution_time, error_message
	FROM commands`

// scanCommand reads a command row in selectCommandColumns order.
func scanCommand(stmt *sqlite.Stmt) Command {
	cmd := Command{
		CommandID:      stmt.ColumnText(0),
		DeviceID:       stmt.ColumnText(1),
		CommandText:    stmt.ColumnText(2),
		Priority:       stmt.ColumnInt(3),
		TimeoutSeconds: stmt.ColumnInt(4),
		Status:         CommandStatus(stmt.ColumnText(5)),
		CreatedAt:      millisToTime(stmt.ColumnInt64(6)),
		SentAt:         columnTime(stmt, 7),
		CompletedAt:    columnTime(stmt, 8),
		Stdout:         stmt.ColumnText(9),
		Stderr:         stmt.ColumnText(10),
		ExecutionTime:  stmt.ColumnFloat(12),
		ErrorMessage:   stmt.ColumnText(13),
	}
	if stmt.ColumnType(11) != sqlite.TypeNull {
		exitCode := stmt.ColumnInt(11)
		cmd.ExitCode = &exitCode
	}
	return cmd
}

func scanDevice(stmt *sqlite.Stmt) (Device, error) {
	device := Device{
		DeviceID:      stmt.ColumnText(0),
		Status:        DeviceStatus(stmt.ColumnText(1)),
		FirstSeen:     millisToTime(stmt.ColumnInt64(2)),
		LastConnected: columnTime(stmt, 3),
		Metadata:      make(map[string]string),
	}
	metadataJSON := stmt.ColumnText(4)
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &device.Metadata); err != nil {
			return Device{}, fmt.Errorf("store: parsing metadata for %s: %w", device.DeviceID, err)
		}
	}
	return device, nil
}

func columnTime(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnType(col) == sqlite.TypeNull {
		return time.Time{}
	}
	return millisToTime(stmt.ColumnInt64(col))
}

func millisToTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
