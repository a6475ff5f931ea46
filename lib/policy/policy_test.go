// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateLength(t *testing.T) {
	engine := NewEngine(Policy{MaxExecutionTime: 30, MaxCommandLength: 10})

	if err := engine.Validate("echo hi"); err != nil {
		t.Fatalf("short command rejected: %v", err)
	}
	if err := engine.Validate(strings.Repeat("a", 11)); err == nil {
		t.Fatal("over-length command accepted")
	}
}

func TestValidateEmpty(t *testing.T) {
	engine := NewEngine(Default())

	for _, text := range []string{"", "   ", "\t\n"} {
		err := engine.Validate(text)
		var rejection *RejectionError
		if !errors.As(err, &rejection) {
			t.Fatalf("Validate(%q) = %v, want rejection", text, err)
		}
	}
}

func TestValidateBlacklist(t *testing.T) {
	engine := NewEngine(Policy{
		MaxExecutionTime:    30,
		MaxCommandLength:    1000,
		AllowShellOperators: true,
	})

	dangerous := []string{
		"rm -rf /",
		"sudo rm -rf / --no-preserve-root",
		"RM -RF /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		":(){ :|:& };:",
	}
	for _, text := range dangerous {
		if err := engine.Validate(text); err == nil {
			t.Errorf("Validate(%q) accepted dangerous command", text)
		}
	}
}

func TestValidateConfiguredBlacklist(t *testing.T) {
	engine := NewEngine(Policy{
		MaxExecutionTime: 30,
		MaxCommandLength: 1000,
		BlockedCommands:  []string{"shutdown"},
	})

	if err := engine.Validate("shutdown -h now"); err == nil {
		t.Fatal("configured blacklist entry not enforced")
	}
	if err := engine.Validate("Shutdown now"); err == nil {
		t.Fatal("blacklist matching is not case-insensitive")
	}
}

func TestBlacklistBeatsWhitelist(t *testing.T) {
	// "rm" is whitelisted, but the blocked substring must still win.
	engine := NewEngine(Policy{
		WhitelistEnabled:    true,
		AllowedCommands:     []string{"rm"},
		MaxExecutionTime:    30,
		MaxCommandLength:    1000,
		AllowShellOperators: true,
	})

	if err := engine.Validate("rm -rf /"); err == nil {
		t.Fatal("blacklisted command accepted because of whitelist")
	}
	if err := engine.Validate("rm stale.log"); err != nil {
		t.Fatalf("whitelisted command rejected: %v", err)
	}
}

func TestValidateShellOperators(t *testing.T) {
	engine := NewEngine(Default())

	blocked := []string{
		"ls; rm x", "true && false", "a || b", "cat x | grep y",
		"echo x > f", "echo x >> f", "wc < f", "echo $(whoami)", "echo `id`",
	}
	for _, text := range blocked {
		if err := engine.Validate(text); err == nil {
			t.Errorf("Validate(%q) accepted shell operator", text)
		}
	}

	permissive := NewEngine(Policy{
		MaxExecutionTime:    30,
		MaxCommandLength:    1000,
		AllowShellOperators: true,
	})
	if err := permissive.Validate("cat x | grep y"); err != nil {
		t.Fatalf("operators rejected despite AllowShellOperators: %v", err)
	}
}

func TestValidateWhitelist(t *testing.T) {
	engine := NewEngine(Policy{
		WhitelistEnabled: true,
		AllowedCommands:  []string{"ls", "systemctl status"},
		MaxExecutionTime: 30,
		MaxCommandLength: 1000,
	})

	if err := engine.Validate("ls -la /var"); err != nil {
		t.Fatalf("first-token match rejected: %v", err)
	}
	if err := engine.Validate("systemctl status sshd"); err != nil {
		t.Fatalf("prefix match rejected: %v", err)
	}
	if err := engine.Validate("reboot"); err == nil {
		t.Fatal("non-whitelisted command accepted")
	}
}

func TestValidateWhitelistSplitsOnAnyWhitespace(t *testing.T) {
	engine := NewEngine(Policy{
		WhitelistEnabled: true,
		AllowedCommands:  []string{"ls"},
		MaxExecutionTime: 30,
		MaxCommandLength: 1000,
	})

	if err := engine.Validate("ls\t-la"); err != nil {
		t.Fatalf("tab-delimited first-token match rejected: %v", err)
	}
	if err := engine.Validate("reboot\tnow"); err == nil {
		t.Fatal("tab-delimited non-whitelisted command accepted")
	}
}

func TestWhitelistDefaultsToSafeSet(t *testing.T) {
	engine := NewEngine(Policy{
		WhitelistEnabled: true,
		MaxExecutionTime: 30,
		MaxCommandLength: 1000,
	})

	if err := engine.Validate("uptime"); err != nil {
		t.Fatalf("builtin safe command rejected: %v", err)
	}
	if err := engine.Validate("reboot"); err == nil {
		t.Fatal("non-safe command accepted under default whitelist")
	}
}

func TestEffectiveTimeout(t *testing.T) {
	engine := NewEngine(Policy{MaxExecutionTime: 30, MaxCommandLength: 1000})

	cases := []struct {
		requested int
		want      int
	}{
		{0, 30},   // unset → policy maximum
		{-5, 30},  // nonsense → policy maximum
		{10, 10},  // under the cap
		{30, 30},  // at the cap
		{120, 30}, // capped
	}
	for _, c := range cases {
		if got := engine.EffectiveTimeout(c.requested); got != c.want {
			t.Errorf("EffectiveTimeout(%d) = %d, want %d", c.requested, got, c.want)
		}
	}
}
