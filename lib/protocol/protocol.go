// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON messages exchanged between the
// server and agents over a persistent WebSocket connection.
//
// Every message is a JSON object with a "type" discriminator. The
// server dispatches commands and greetings; agents reply with execution
// responses and out-of-band status updates; pings flow both ways as
// keepalives. Decode returns the concrete message type for a raw
// frame; unknown types produce an *UnknownTypeError so routers can log
// and drop them without killing the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the message discriminator carried in the "type" field.
type Type string

const (
	TypeCommand   Type = "command"
	TypeResponse  Type = "response"
	TypeError     Type = "error"
	TypePing      Type = "ping"
	TypePong      Type = "pong"
	TypeConnected Type = "connected"
	TypeStatus    Type = "status"
)

// Command dispatches one shell command to an agent (server → agent).
type Command struct {
	Type    Type   `json:"type"`
	ID      string `json:"id"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// Response reports the result of one command (agent → server). The ID
// correlates the response with its Command, so out-of-order responses
// never corrupt unrelated commands.
type Response struct {
	Type          Type    `json:"type"`
	ID            string  `json:"id"`
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Timestamp     string  `json:"timestamp"`
}

// Error carries a human-readable failure description. Sent by the
// server when it cannot act on an incoming frame.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Ping and Pong are connection keepalives. Either side may ping; the
// other answers with a pong.
type Ping struct {
	Type Type `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

// Connected is the server's greeting after a successful handshake.
type Connected struct {
	Type     Type   `json:"type"`
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// Status is an out-of-band metadata update from an agent (hostname,
// platform, agent version). The server merges Fields into the device's
// stored metadata.
type Status struct {
	Type   Type              `json:"type"`
	Fields map[string]string `json:"fields"`
}

// NewCommand builds a command message.
func NewCommand(id, commandText string, timeoutSeconds int) Command {
	return Command{Type: TypeCommand, ID: id, Command: commandText, Timeout: timeoutSeconds}
}

// NewResponse builds a response message stamped with the given time in
// RFC 3339 format.
func NewResponse(id, stdout, stderr string, exitCode int, executionTime float64, now time.Time) Response {
	return Response{
		Type:          TypeResponse,
		ID:            id,
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      exitCode,
		ExecutionTime: executionTime,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// NewError builds an error message.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// NewPing builds a ping message.
func NewPing() Ping { return Ping{Type: TypePing} }

// NewPong builds a pong message.
func NewPong() Pong { return Pong{Type: TypePong} }

// NewConnected builds the post-handshake greeting.
func NewConnected(deviceID, message string) Connected {
	return Connected{Type: TypeConnected, DeviceID: deviceID, Message: message}
}

// NewStatus builds a status update message.
func NewStatus(fields map[string]string) Status {
	return Status{Type: TypeStatus, Fields: fields}
}

// Encode marshals a message to its JSON wire form.
func Encode(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding message: %w", err)
	}
	return data, nil
}

// UnknownTypeError reports a frame whose "type" field names no known
// message kind. Receivers log and drop these.
type UnknownTypeError struct {
	Kind string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type %q", e.Kind)
}

// Decode parses a raw frame and returns a pointer to the concrete
// message type (*Command, *Response, *Error, *Ping, *Pong, *Connected,
// or *Status). Malformed JSON returns an error; a well-formed frame
// with an unrecognized type returns an *UnknownTypeError.
func Decode(data []byte) (any, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("protocol: decoding frame: %w", err)
	}

	var message any
	switch envelope.Type {
	case TypeCommand:
		message = &Command{}
	case TypeResponse:
		message = &Response{}
	case TypeError:
		message = &Error{}
	case TypePing:
		message = &Ping{}
	case TypePong:
		message = &Pong{}
	case TypeConnected:
		message = &Connected{}
	case TypeStatus:
		message = &Status{}
	default:
		return nil, &UnknownTypeError{Kind: string(envelope.Type)}
	}

	if err := json.Unmarshal(data, message); err != nil {
		return nil, fmt.Errorf("protocol: decoding %s: %w", envelope.Type, err)
	}
	return message, nil
}
