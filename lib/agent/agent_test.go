// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetshell/fleetshell/lib/clock"
	"github.com/fleetshell/fleetshell/lib/protocol"
	"github.com/fleetshell/fleetshell/lib/testutil"
)

// testServer accepts agent connections and exposes them to the test.
type testServer struct {
	server   *httptest.Server
	sessions chan *websocket.Conn
	tokens   chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := &testServer{
		sessions: make(chan *websocket.Conn, 4),
		tokens:   make(chan string, 4),
	}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.tokens <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.sessions <- conn
	}))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http")
}

func startAgent(t *testing.T, config Config) context.CancelFunc {
	t.Helper()
	if config.PingInterval == 0 {
		config.PingInterval = time.Hour // quiet unless the test wants pings
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := New(config, clock.Real(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "agent shutdown")
	})
	return cancel
}

// readFrame skips keepalive pings and returns the next decoded frame.
func readFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading frame: %v", err)
		}
		message, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		if _, isPing := message.(*protocol.Ping); isPing {
			continue
		}
		return message
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, message any) {
	t.Helper()
	data, err := protocol.Encode(message)
	if err != nil {
		t.Fatalf("encoding frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestAgentSendsTokenAndStatus(t *testing.T) {
	ts := newTestServer(t)
	startAgent(t, Config{ServerURL: ts.url(), Token: "token-alpha", Metadata: map[string]string{"rack": "b2"}})

	authorization := testutil.RequireReceive(t, ts.tokens, 5*time.Second, "handshake")
	if authorization != "Bearer token-alpha" {
		t.Errorf("Authorization = %q, want bearer token", authorization)
	}

	conn := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "session")
	defer conn.Close()

	status, ok := readFrame(t, conn).(*protocol.Status)
	if !ok {
		t.Fatalf("first frame = %#v, want status", status)
	}
	if status.Fields["platform"] == "" || status.Fields["hostname"] == "" {
		t.Errorf("status fields missing platform/hostname: %v", status.Fields)
	}
	if status.Fields["rack"] != "b2" {
		t.Errorf("configured metadata not included: %v", status.Fields)
	}
}

func TestAgentExecutesCommandAndResponds(t *testing.T) {
	ts := newTestServer(t)
	startAgent(t, Config{ServerURL: ts.url(), Token: "token-alpha"})

	conn := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "session")
	defer conn.Close()
	readFrame(t, conn) // status

	writeFrame(t, conn, protocol.NewCommand("cmd-1", "echo hello", 10))

	response, ok := readFrame(t, conn).(*protocol.Response)
	if !ok {
		t.Fatalf("frame = %#v, want response", response)
	}
	if response.ID != "cmd-1" {
		t.Errorf("response id = %q, want cmd-1", response.ID)
	}
	if response.ExitCode != 0 || response.Stdout != "hello\n" {
		t.Errorf("response = exit %d, stdout %q", response.ExitCode, response.Stdout)
	}
	if response.Timestamp == "" {
		t.Error("response timestamp missing")
	}
}

func TestAgentRunsCommandsConcurrently(t *testing.T) {
	ts := newTestServer(t)
	startAgent(t, Config{ServerURL: ts.url(), Token: "token-alpha"})

	conn := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "session")
	defer conn.Close()
	readFrame(t, conn) // status

	// The slow command must not block the fast one's response.
	writeFrame(t, conn, protocol.NewCommand("cmd-slow", "sleep 3", 10))
	writeFrame(t, conn, protocol.NewCommand("cmd-fast", "echo quick", 10))

	response, ok := readFrame(t, conn).(*protocol.Response)
	if !ok {
		t.Fatalf("frame = %#v, want response", response)
	}
	if response.ID != "cmd-fast" {
		t.Errorf("first response = %q, want cmd-fast", response.ID)
	}
}

func TestAgentAnswersPing(t *testing.T) {
	ts := newTestServer(t)
	startAgent(t, Config{ServerURL: ts.url(), Token: "token-alpha"})

	conn := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "session")
	defer conn.Close()
	readFrame(t, conn) // status

	writeFrame(t, conn, protocol.NewPing())
	if _, ok := readFrame(t, conn).(*protocol.Pong); !ok {
		t.Error("ping not answered with pong")
	}
}

func TestAgentReconnectsAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	startAgent(t, Config{
		ServerURL:  ts.url(),
		Token:      "token-alpha",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})

	first := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "first session")
	first.Close()

	second := testutil.RequireReceive(t, ts.sessions, 5*time.Second, "reconnect")
	second.Close()
}

func TestAgentStopsOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := New(Config{ServerURL: "ws://127.0.0.1:1/ws", Token: "x", MinBackoff: time.Hour}, clock.Real(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()
	cancel()

	err := testutil.RequireReceive(t, errCh, 5*time.Second, "run return")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
