// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fleetshell/fleetshell/lib/codec"
	"github.com/fleetshell/fleetshell/lib/fleet"
	"github.com/fleetshell/fleetshell/lib/history"
	"github.com/fleetshell/fleetshell/lib/queue"
	"github.com/fleetshell/fleetshell/lib/store"
)

// adminServer answers operator requests on a Unix socket: one CBOR
// request per connection, one CBOR response back. The socket's file
// permissions are the access control; no network exposure.
type adminServer struct {
	queue   *queue.Queue
	history *history.Service
	store   *store.Store
	manager *fleet.Manager
	logger  *slog.Logger
}

type adminRequest struct {
	Action string `cbor:"action"`

	// enqueue
	DeviceID string `cbor:"device_id,omitempty"`
	Command  string `cbor:"command,omitempty"`
	Priority int    `cbor:"priority,omitempty"`
	Timeout  int    `cbor:"timeout,omitempty"`

	// history
	Status string `cbor:"status,omitempty"`
	Limit  int    `cbor:"limit,omitempty"`

	// cleanup
	RetentionDays int `cbor:"retention_days,omitempty"`
}

type adminResponse struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Data  any    `cbor:"data,omitempty"`
}

// deviceEntry is a device record plus its live connection state.
type deviceEntry struct {
	DeviceID      string            `cbor:"device_id"`
	Status        string            `cbor:"status"`
	Connected     bool              `cbor:"connected"`
	FirstSeen     string            `cbor:"first_seen"`
	LastConnected string            `cbor:"last_connected,omitempty"`
	Metadata      map[string]string `cbor:"metadata,omitempty"`
}

func (s *adminServer) serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A previous run's socket file would make Listen fail.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	s.logger.Info("admin socket ready", "path", socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting admin connection: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *adminServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	var request adminRequest
	if err := codec.NewDecoder(conn).Decode(&request); err != nil {
		codec.NewEncoder(conn).Encode(adminResponse{Error: "malformed request: " + err.Error()})
		return
	}

	response := s.dispatch(ctx, request)
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Warn("writing admin response", "error", err)
	}
}

func (s *adminServer) dispatch(ctx context.Context, request adminRequest) adminResponse {
	data, err := s.act(ctx, request)
	if err != nil {
		return adminResponse{Error: err.Error()}
	}
	return adminResponse{OK: true, Data: data}
}

func (s *adminServer) act(ctx context.Context, request adminRequest) (any, error) {
	switch request.Action {
	case "enqueue":
		if request.DeviceID == "" || request.Command == "" {
			return nil, fmt.Errorf("enqueue requires device_id and command")
		}
		cmd, err := s.queue.Enqueue(ctx, request.DeviceID, request.Command, request.Priority, request.Timeout)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"command_id":      cmd.CommandID,
			"status":          cmd.Status,
			"timeout_seconds": cmd.TimeoutSeconds,
			"queued":          s.manager.Connected(request.DeviceID),
		}, nil

	case "devices":
		devices, err := s.store.AllDevices(ctx)
		if err != nil {
			return nil, err
		}
		entries := make([]deviceEntry, 0, len(devices))
		for _, device := range devices {
			entry := deviceEntry{
				DeviceID:  device.DeviceID,
				Status:    string(device.Status),
				Connected: s.manager.Connected(device.DeviceID),
				FirstSeen: device.FirstSeen.Format(time.RFC3339),
				Metadata:  device.Metadata,
			}
			if !device.LastConnected.IsZero() {
				entry.LastConnected = device.LastConnected.Format(time.RFC3339)
			}
			entries = append(entries, entry)
		}
		return entries, nil

	case "history":
		commands, err := s.history.Query(ctx, store.Filter{
			DeviceID: request.DeviceID,
			Status:   store.CommandStatus(request.Status),
			Limit:    request.Limit,
		})
		if err != nil {
			return nil, err
		}
		return history.Records(commands), nil

	case "stats":
		if request.DeviceID != "" {
			return s.history.Summary(ctx, request.DeviceID)
		}
		return s.history.Fleet(ctx)

	case "cleanup":
		if request.RetentionDays <= 0 {
			return nil, fmt.Errorf("cleanup requires a positive retention_days")
		}
		deleted, err := s.history.Cleanup(ctx, time.Duration(request.RetentionDays)*24*time.Hour)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": deleted}, nil

	default:
		return nil, fmt.Errorf("unknown action %q", request.Action)
	}
}
