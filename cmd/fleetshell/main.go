// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// fleetshell is the operator CLI. It talks to the daemon's admin
// socket:
//
//	fleetshell enqueue --device edge-1 --priority 5 -- uptime
//	fleetshell devices
//	fleetshell history --device edge-1 --status failed
//	fleetshell stats [--device edge-1]
//	fleetshell cleanup --days 7
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetshell/fleetshell/lib/codec"
	"github.com/fleetshell/fleetshell/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// adminRequest mirrors the daemon's admin socket request shape.
type adminRequest struct {
	Action        string `cbor:"action"`
	DeviceID      string `cbor:"device_id,omitempty"`
	Command       string `cbor:"command,omitempty"`
	Priority      int    `cbor:"priority,omitempty"`
	Timeout       int    `cbor:"timeout,omitempty"`
	Status        string `cbor:"status,omitempty"`
	Limit         int    `cbor:"limit,omitempty"`
	RetentionDays int    `cbor:"retention_days,omitempty"`
}

type adminResponse struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const defaultSocket = "/run/fleetshell/admin.sock"

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: fleetshell <enqueue|devices|history|stats|cleanup> [flags]")
	}
	command := os.Args[1]
	args := os.Args[2:]

	flags := pflag.NewFlagSet("fleetshell "+command, pflag.ContinueOnError)
	socketPath := flags.String("socket", defaultSocket, "daemon admin socket path")
	device := flags.String("device", "", "device id")
	priority := flags.Int("priority", 0, "command priority (higher first)")
	timeout := flags.Int("timeout", 0, "command timeout in seconds (0 = policy maximum)")
	status := flags.String("status", "", "filter by status")
	limit := flags.Int("limit", 0, "maximum records to return")
	days := flags.Int("days", 0, "retention window in days")
	asJSON := flags.Bool("json", false, "print raw JSON")
	if err := flags.Parse(args); err != nil {
		return err
	}

	request := adminRequest{DeviceID: *device, Status: *status, Limit: *limit}
	switch command {
	case "enqueue":
		if *device == "" {
			return fmt.Errorf("enqueue requires --device")
		}
		commandText := strings.Join(flags.Args(), " ")
		if commandText == "" {
			return fmt.Errorf("enqueue requires a command after the flags")
		}
		request.Action = "enqueue"
		request.Command = commandText
		request.Priority = *priority
		request.Timeout = *timeout
	case "devices", "history", "stats":
		request.Action = command
	case "cleanup":
		if *days <= 0 {
			return fmt.Errorf("cleanup requires --days")
		}
		request.Action = "cleanup"
		request.RetentionDays = *days
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	response, err := call(*socketPath, request)
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("%s", response.Error)
	}

	if *asJSON {
		return printJSON(response.Data)
	}
	return render(command, response.Data)
}

func call(socketPath string, request adminRequest) (adminResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return adminResponse{}, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return adminResponse{}, fmt.Errorf("sending request: %w", err)
	}
	var response adminResponse
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		return adminResponse{}, fmt.Errorf("reading response: %w", err)
	}
	return response, nil
}

// printJSON re-renders the CBOR payload as indented JSON for the
// --json flag and for anything without a table shape.
func printJSON(data codec.RawMessage) error {
	var pretty any
	if err := codec.Unmarshal(data, &pretty); err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(pretty)
}

// render prints human output per command; anything without a table
// shape falls back to indented JSON.
func render(command string, data codec.RawMessage) error {
	switch command {
	case "enqueue":
		var result struct {
			CommandID      string `cbor:"command_id"`
			Status         string `cbor:"status"`
			TimeoutSeconds int    `cbor:"timeout_seconds"`
			Queued         bool   `cbor:"queued"`
		}
		if err := codec.Unmarshal(data, &result); err != nil {
			return err
		}
		delivery := "queued for next connection"
		if result.Queued {
			delivery = "device online, delivering"
		}
		fmt.Printf("%s  %s (timeout %ds, %s)\n", result.CommandID, result.Status, result.TimeoutSeconds, delivery)
		return nil

	case "devices":
		var devices []struct {
			DeviceID      string `cbor:"device_id"`
			Status        string `cbor:"status"`
			Connected     bool   `cbor:"connected"`
			LastConnected string `cbor:"last_connected"`
		}
		if err := codec.Unmarshal(data, &devices); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tSTATUS\tCONNECTED\tLAST CONNECTED")
		for _, device := range devices {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", device.DeviceID, device.Status, device.Connected, device.LastConnected)
		}
		return w.Flush()

	case "history":
		var records []struct {
			CommandID string `cbor:"command_id"`
			DeviceID  string `cbor:"device_id"`
			Command   string `cbor:"command"`
			Status    string `cbor:"status"`
			CreatedAt string `cbor:"created_at"`
			ExitCode  *int   `cbor:"exit_code"`
		}
		if err := codec.Unmarshal(data, &records); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COMMAND ID\tDEVICE\tSTATUS\tEXIT\tCREATED\tCOMMAND")
		for _, record := range records {
			exit := "-"
			if record.ExitCode != nil {
				exit = fmt.Sprintf("%d", *record.ExitCode)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				record.CommandID, record.DeviceID, record.Status, exit, record.CreatedAt, record.Command)
		}
		return w.Flush()

	default:
		return printJSON(data)
	}
}
