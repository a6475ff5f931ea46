// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy validates shell commands against a security policy
// before they are ever queued for a device.
//
// The engine is pure: no I/O, no mutation after construction, safe to
// call concurrently from any goroutine without locking. Checks run in a
// fixed order and short-circuit on the first failure. The blacklist
// always wins — a command matching a blocked substring is rejected even
// when whitelisting would allow it. Under ambiguous input the engine
// fails closed.
package policy

import (
	"fmt"
	"strings"
)

// Policy is the immutable security policy configuration, assembled once
// at startup and passed by reference into the engine.
type Policy struct {
	// WhitelistEnabled restricts commands to the allowed set.
	WhitelistEnabled bool

	// AllowedCommands is the whitelist. Empty means the builtin safe
	// set when whitelisting is enabled.
	AllowedCommands []string

	// BlockedCommands extends the builtin blacklist. Matching is a
	// case-insensitive substring scan and is always enforced.
	BlockedCommands []string

	// MaxExecutionTime caps every command's timeout, in seconds.
	MaxExecutionTime int

	// MaxCommandLength rejects commands longer than this many bytes.
	MaxCommandLength int

	// AllowShellOperators permits pipes, redirections, chaining, and
	// substitution. When false, any occurrence rejects the command.
	AllowShellOperators bool
}

// Default returns the policy used when no configuration is supplied:
// no whitelist, 30-second cap, 1000-byte commands, operators blocked.
func Default() Policy {
	return Policy{
		MaxExecutionTime: 30,
		MaxCommandLength: 1000,
	}
}

// builtinBlockedCommands are always rejected regardless of
// configuration: recursive deletion of the root, filesystem formatting,
// raw disk writes, fork bombs, and permission bombs.
var builtinBlockedCommands = []string{
	"rm -rf /",
	"mkfs",
	"dd if=/dev/zero",
	":(){ :|:& };:",
	"chmod -R 777 /",
	"chown -R",
	"> /dev/sda",
	"mv / /dev/null",
}

// builtinSafeCommands is the default whitelist when whitelisting is
// enabled without an explicit allowed set: read-only inspection
// commands.
var builtinSafeCommands = []string{
	"ls", "pwd", "whoami", "hostname", "uptime",
	"df", "du", "free", "ps", "top",
	"cat", "grep", "find", "echo",
	"date", "uname", "which", "whereis",
	"netstat", "ss", "ip", "ifconfig",
	"systemctl status", "journalctl",
}

// shellOperators is the conservative operator set scanned for when
// operators are disallowed. This is a substring scan, not a shell-aware
// parse: it rejects some harmless commands rather than admit a harmful
// one.
var shellOperators = []string{";", "&&", "||", "|", ">", ">>", "<", "$(", "`"}

// RejectionError explains why a command was refused. Nothing is
// persisted for a rejected command; the error surfaces synchronously to
// the submitter.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("policy: command rejected: %s", e.Reason)
}

// Engine evaluates commands against a Policy. Construct with NewEngine;
// the zero value is not usable.
type Engine struct {
	policy Policy

	// blocked holds the lowercased union of builtin and configured
	// blacklist entries, precomputed so Validate allocates nothing.
	blocked []string

	// allowed is the effective whitelist (configured entries, or the
	// builtin safe set), plus a set of exact first-token matches.
	allowed      []string
	allowedExact map[string]struct{}
}

// NewEngine builds an engine from the given policy. The policy is
// copied; later mutation of the caller's slices does not affect the
// engine.
func NewEngine(p Policy) *Engine {
	engine := &Engine{policy: p}

	for _, entry := range builtinBlockedCommands {
		engine.blocked = append(engine.blocked, strings.ToLower(entry))
	}
	for _, entry := range p.BlockedCommands {
		engine.blocked = append(engine.blocked, strings.ToLower(entry))
	}

	allowed := p.AllowedCommands
	if len(allowed) == 0 {
		allowed = builtinSafeCommands
	}
	engine.allowed = append([]string(nil), allowed...)
	engine.allowedExact = make(map[string]struct{}, len(allowed))
	for _, entry := range allowed {
		engine.allowedExact[entry] = struct{}{}
	}

	return engine
}

// Validate checks a command against the policy. Returns nil when the
// command is acceptable, or a *RejectionError naming the failed check.
// Checks run in order and short-circuit: length, emptiness, blacklist,
// shell operators, whitelist.
func (e *Engine) Validate(commandText string) error {
	if len(commandText) > e.policy.MaxCommandLength {
		return &RejectionError{Reason: fmt.Sprintf("exceeds maximum length (%d)", e.policy.MaxCommandLength)}
	}

	trimmed := strings.TrimSpace(commandText)
	if trimmed == "" {
		return &RejectionError{Reason: "empty command"}
	}

	// Blacklist is unconditional: it wins even when the whitelist
	// would admit the command.
	lowered := strings.ToLower(trimmed)
	for _, blocked := range e.blocked {
		if strings.Contains(lowered, blocked) {
			return &RejectionError{Reason: "blocked by security policy (dangerous operation)"}
		}
	}

	if !e.policy.AllowShellOperators {
		for _, operator := range shellOperators {
			if strings.Contains(commandText, operator) {
				return &RejectionError{Reason: "contains disallowed shell operators"}
			}
		}
	}

	if e.policy.WhitelistEnabled && !e.whitelisted(trimmed) {
		return &RejectionError{Reason: "not in allowed whitelist"}
	}

	return nil
}

// whitelisted reports whether the command's first whitespace-delimited
// token exactly matches an allowed entry, or the full text starts with
// an allowed entry as a prefix.
func (e *Engine) whitelisted(trimmed string) bool {
	// Fields splits on any whitespace, so a tab-delimited command
	// still yields its command word as the first token.
	if fields := strings.Fields(trimmed); len(fields) > 0 {
		if _, ok := e.allowedExact[fields[0]]; ok {
			return true
		}
	}
	for _, entry := range e.allowed {
		if strings.HasPrefix(trimmed, entry) {
			return true
		}
	}
	return false
}

// EffectiveTimeout returns the timeout actually enforced for a command:
// the requested value capped at the policy maximum, or the maximum when
// no positive value was requested.
func (e *Engine) EffectiveTimeout(requestedSeconds int) int {
	if requestedSeconds <= 0 {
		return e.policy.MaxExecutionTime
	}
	return min(requestedSeconds, e.policy.MaxExecutionTime)
}
