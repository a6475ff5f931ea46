// Copyright 2026 The Fleetshell Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "crypto/subtle"

// Authenticator maps connection tokens to device identities. Comparison
// is constant-time and scans every registered token without an early
// exit, so response timing does not leak which tokens exist or how far
// a guess matched.
type Authenticator struct {
	entries []tokenEntry
}

type tokenEntry struct {
	token    []byte
	deviceID string
}

// NewAuthenticator builds an authenticator from a token → device id
// registry.
func NewAuthenticator(tokens map[string]string) *Authenticator {
	entries := make([]tokenEntry, 0, len(tokens))
	for token, deviceID := range tokens {
		entries = append(entries, tokenEntry{token: []byte(token), deviceID: deviceID})
	}
	return &Authenticator{entries: entries}
}

// Authenticate returns the device id for a presented token, or false
// when the token matches nothing.
func (a *Authenticator) Authenticate(token string) (string, bool) {
	presented := []byte(token)
	deviceID := ""
	matched := false
	for _, entry := range a.entries {
		if subtle.ConstantTimeCompare(presented, entry.token) == 1 {
			deviceID = entry.deviceID
			matched = true
		}
	}
	return deviceID, matched
}
