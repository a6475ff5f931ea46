// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet owns device connections on the server side.
//
// Each device has at most one live connection and exactly one delivery
// loop pulling from its queue. A new connection for an already-online
// device evicts the old one: the stale transport is closed and its loop
// stopped before the fresh session starts, so a device that reconnects
// after a network blip never ends up with two delivery loops.
//
// Failures are confined per device. A write error disconnects that
// device and leaves its undelivered commands pending in the store;
// other devices never notice.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fleetshell/fleetshell/lib/dispatch"
	"github.com/fleetshell/fleetshell/lib/protocol"
	"github.com/fleetshell/fleetshell/lib/queue"
	"github.com/fleetshell/fleetshell/lib/store"
)

// Conn is the transport a device session writes to. Production wraps a
// websocket connection; tests inject fakes.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

// Manager tracks connected devices and runs their delivery loops. Safe
// for concurrent use.
type Manager struct {
	store       *store.Store
	queue       *queue.Queue
	coordinator *dispatch.Coordinator
	logger      *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
}

// deviceState is one device's connection slot.
//
// sessionMu serializes Connect and Disconnect for the device, including
// their blocking parts (waiting for a prior loop to stop, store
// writes). mu guards only the fields and is safe to take from the hot
// Send path. sessionMu is never acquired while holding mu.
type deviceState struct {
	sessionMu sync.Mutex

	mu         sync.Mutex
	conn       Conn
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewManager creates a connection manager.
func NewManager(recordStore *store.Store, commandQueue *queue.Queue, coordinator *dispatch.Coordinator, logger *slog.Logger) *Manager {
	return &Manager{
		store:       recordStore,
		queue:       commandQueue,
		coordinator: coordinator,
		logger:      logger,
		devices:     make(map[string]*deviceState),
	}
}

func (m *Manager) device(deviceID string) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.devices[deviceID]
	if !ok {
		state = &deviceState{}
		m.devices[deviceID] = state
	}
	return state
}

// Connect installs a device's connection: any prior connection is
// evicted, the device is registered and marked online, the greeting is
// sent, the offline backlog is loaded, and the delivery loop starts.
// The caller keeps ownership of reads; writes go through the manager.
func (m *Manager) Connect(ctx context.Context, deviceID string, conn Conn) error {
	state := m.device(deviceID)
	state.sessionMu.Lock()
	defer state.sessionMu.Unlock()

	m.evictLocked(state, deviceID)

	if err := m.store.RegisterDevice(ctx, deviceID); err != nil {
		conn.Close()
		return fmt.Errorf("fleet: connecting %s: %w", deviceID, err)
	}
	if err := m.store.UpdateDeviceStatus(ctx, deviceID, store.DeviceOnline); err != nil {
		conn.Close()
		return fmt.Errorf("fleet: connecting %s: %w", deviceID, err)
	}

	greeting, err := protocol.Encode(protocol.NewConnected(deviceID, "connected"))
	if err != nil {
		conn.Close()
		return fmt.Errorf("fleet: connecting %s: %w", deviceID, err)
	}
	if err := conn.WriteMessage(greeting); err != nil {
		conn.Close()
		m.markOffline(deviceID)
		return fmt.Errorf("fleet: greeting %s: %w", deviceID, err)
	}

	// Load commands queued while the device was offline (or before a
	// restart) before the loop starts delivering.
	if _, err := m.queue.DrainFor(ctx, deviceID); err != nil {
		conn.Close()
		m.markOffline(deviceID)
		return fmt.Errorf("fleet: connecting %s: %w", deviceID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	state.mu.Lock()
	state.conn = conn
	state.cancelLoop = cancel
	state.loopDone = done
	state.mu.Unlock()

	go m.runLoop(loopCtx, deviceID, done)

	m.logger.Info("device connected", "device_id", deviceID)
	return nil
}

// evictLocked tears down a device's current session, if any. Caller
// holds state.sessionMu.
func (m *Manager) evictLocked(state *deviceState, deviceID string) {
	state.mu.Lock()
	conn := state.conn
	cancel := state.cancelLoop
	done := state.loopDone
	state.conn = nil
	state.cancelLoop = nil
	state.loopDone = nil
	state.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.logger.Info("evicted stale connection", "device_id", deviceID)
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// Disconnect tears down a device's session and marks it offline.
// Idempotent: disconnecting a device with no session is a no-op.
func (m *Manager) Disconnect(deviceID string) {
	state := m.device(deviceID)
	state.sessionMu.Lock()
	defer state.sessionMu.Unlock()

	state.mu.Lock()
	hadSession := state.conn != nil || state.cancelLoop != nil
	state.mu.Unlock()
	if !hadSession {
		return
	}

	m.evictLocked(state, deviceID)
	m.markOffline(deviceID)
	m.logger.Info("device disconnected", "device_id", deviceID)
}

// disconnectConn is Disconnect scoped to one session: it only tears
// down if conn is still the device's current connection. Transport
// read pumps use this so a stale session ending cannot kill the
// replacement session that evicted it.
func (m *Manager) disconnectConn(deviceID string, conn Conn) {
	state := m.device(deviceID)
	state.sessionMu.Lock()
	defer state.sessionMu.Unlock()

	state.mu.Lock()
	current := state.conn == conn
	state.mu.Unlock()
	if !current {
		return
	}

	m.evictLocked(state, deviceID)
	m.markOffline(deviceID)
	m.logger.Info("device disconnected", "device_id", deviceID)
}

func (m *Manager) markOffline(deviceID string) {
	if err := m.store.UpdateDeviceStatus(context.Background(), deviceID, store.DeviceOffline); err != nil {
		m.logger.Error("marking device offline", "device_id", deviceID, "error", err)
	}
}

// Connected reports whether the device currently has a live connection.
func (m *Manager) Connected(deviceID string) bool {
	m.mu.Lock()
	state, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.conn != nil
}

// Send writes a frame to a device. Returns false when the device is
// not connected. A write failure drops the connection (the device is
// marked offline and the delivery loop winds down); the frame is not
// retried here — durable state lives in the store, not in flight.
func (m *Manager) Send(deviceID string, data []byte) bool {
	m.mu.Lock()
	state, ok := m.devices[deviceID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	state.mu.Lock()
	conn := state.conn
	state.mu.Unlock()
	if conn == nil {
		return false
	}

	err := conn.WriteMessage(data)
	if err == nil {
		return true
	}

	m.logger.Warn("send failed", "device_id", deviceID, "error", err)
	state.mu.Lock()
	var cancel context.CancelFunc
	if state.conn == conn {
		state.conn = nil
		// Cancel only, never wait: Send runs inside the delivery
		// loop itself, and the loop also exits on its own after a
		// failed delivery. Without the cancel, a failure from
		// outside the loop (a pong reply, say) would leave the loop
		// parked on an empty queue until the next reconnect.
		cancel = state.cancelLoop
	}
	state.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	conn.Close()
	m.markOffline(deviceID)
	return false
}

// runLoop is a device's delivery loop: pull the next command, write it,
// hand it to the lifecycle coordinator. Exactly one per connected
// device. On send failure the popped command's record is still pending
// in the store, so the next connection's backlog drain re-delivers it.
func (m *Manager) runLoop(ctx context.Context, deviceID string, done chan struct{}) {
	defer close(done)
	for {
		cmd, err := m.queue.Next(ctx, deviceID)
		if err != nil {
			return
		}

		frame, err := protocol.Encode(protocol.NewCommand(cmd.CommandID, cmd.CommandText, cmd.TimeoutSeconds))
		if err != nil {
			m.logger.Error("encoding command", "command_id", cmd.CommandID, "error", err)
			continue
		}
		if !m.Send(deviceID, frame) {
			m.logger.Warn("delivery failed, command stays pending",
				"device_id", deviceID, "command_id", cmd.CommandID)
			return
		}
		if err := m.coordinator.MarkSent(ctx, cmd); err != nil {
			m.logger.Error("tracking sent command", "command_id", cmd.CommandID, "error", err)
		}
	}
}

// RouteIncoming dispatches one raw frame from a device: responses go to
// the lifecycle coordinator, pings are answered, status updates merge
// into device metadata. Unknown frame types are logged and dropped;
// malformed frames get an error reply.
func (m *Manager) RouteIncoming(ctx context.Context, deviceID string, raw []byte) {
	message, err := protocol.Decode(raw)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			m.logger.Warn("dropping unknown frame", "device_id", deviceID, "type", unknown.Kind)
			return
		}
		m.logger.Warn("dropping malformed frame", "device_id", deviceID, "error", err)
		if reply, encErr := protocol.Encode(protocol.NewError("malformed message")); encErr == nil {
			m.Send(deviceID, reply)
		}
		return
	}

	switch message := message.(type) {
	case *protocol.Response:
		err := m.coordinator.HandleResult(ctx, dispatch.Result{
			CommandID:     message.ID,
			Stdout:        message.Stdout,
			Stderr:        message.Stderr,
			ExitCode:      message.ExitCode,
			ExecutionTime: message.ExecutionTime,
		})
		if errors.Is(err, dispatch.ErrNotSent) {
			m.logger.Info("discarding stale result", "device_id", deviceID, "command_id", message.ID)
		} else if err != nil {
			m.logger.Error("handling result", "device_id", deviceID, "command_id", message.ID, "error", err)
		}
	case *protocol.Ping:
		if reply, err := protocol.Encode(protocol.NewPong()); err == nil {
			m.Send(deviceID, reply)
		}
	case *protocol.Pong:
		// Keepalive answer; nothing to do.
	case *protocol.Status:
		if err := m.store.MergeDeviceMetadata(ctx, deviceID, message.Fields); err != nil {
			m.logger.Error("merging device metadata", "device_id", deviceID, "error", err)
		}
	default:
		m.logger.Warn("dropping unexpected frame", "device_id", deviceID, "type", fmt.Sprintf("%T", message))
	}
}

// Shutdown disconnects every device. Called during daemon shutdown
// after the listener stops accepting new connections.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	deviceIDs := make([]string, 0, len(m.devices))
	for deviceID := range m.devices {
		deviceIDs = append(deviceIDs, deviceID)
	}
	m.mu.Unlock()

	for _, deviceID := range deviceIDs {
		m.Disconnect(deviceID)
	}
}
