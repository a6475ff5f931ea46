// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler upgrades device connections and runs their read pumps.
//
// Authentication happens before any device state mutates: the token
// comes from the "token" query parameter or an Authorization bearer
// header, and a failed lookup closes the socket with a policy
// violation close code. The handler returns when the connection dies,
// after tearing down the device session it started.
type Handler struct {
	auth     *Authenticator
	manager  *Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(auth *Authenticator, manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{
		auth:    auth,
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

const closeWriteTimeout = 5 * time.Second

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	deviceID, authenticated := h.auth.Authenticate(token)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !authenticated {
		h.logger.Warn("rejecting unauthenticated connection", "remote", r.RemoteAddr)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteTimeout))
		conn.Close()
		return
	}

	session := &wsConn{conn: conn}
	if err := h.manager.Connect(r.Context(), deviceID, session); err != nil {
		h.logger.Error("connecting device", "device_id", deviceID, "error", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.manager.RouteIncoming(r.Context(), deviceID, data)
	}
	h.manager.disconnectConn(deviceID, session)
}

// bearerToken extracts the token from an "Authorization: Bearer x"
// header value, or returns "".
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Gorilla permits one concurrent writer; the mutex serializes the
// delivery loop and routed replies.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
