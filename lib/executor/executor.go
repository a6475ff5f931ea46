// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor runs shell commands on the agent side.
//
// Execute never returns an error: every outcome, including spawn
// failures and timeouts, is expressed as a Result so the agent always
// has a well-formed response to send back. Commands run through
// `sh -c` in their own process group; on timeout the whole group is
// killed, so children spawned by the command do not linger.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result is the outcome of one shell command.
type Result struct {
	Stdout string
	Stderr string

	// ExitCode is the command's exit status, or -1 when the command
	// timed out or could not be started.
	ExitCode int

	// ExecutionTime is wall-clock seconds. On timeout it equals the
	// timeout itself.
	ExecutionTime float64
}

// Execute runs commandText through the shell with the given timeout in
// seconds. Output is sanitized to valid UTF-8 with the replacement
// character so it survives JSON encoding.
func Execute(ctx context.Context, commandText string, timeoutSeconds int) Result {
	timeout := time.Duration(timeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", commandText)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Own process group so the kill reaches the shell and all its
	// children (negative PID targets the whole group).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Seconds()

	result := Result{
		Stdout:        sanitize(stdout.Bytes()),
		Stderr:        sanitize(stderr.Bytes()),
		ExecutionTime: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr,
			fmt.Sprintf("command timed out after %d seconds", timeoutSeconds))
		result.ExecutionTime = float64(timeoutSeconds)
		return result
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		// Spawn or IO failure: the command never produced an exit
		// status of its own.
		result.ExitCode = -1
		result.Stderr = appendLine(result.Stderr, runErr.Error())
		return result
	}

	result.ExitCode = 0
	return result
}

func sanitize(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}

func appendLine(existing, line string) string {
	if existing == "" {
		return line
	}
	if !strings.HasSuffix(existing, "\n") {
		existing += "\n"
	}
	return existing + line
}
