// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package token

import (
	"sync/atomic"

	"github.com/toeirei/tokenagent/internal/security"
)

// Descriptor names the token an add-smartcard-key request pointed the agent
// at. It is never persisted.
type Descriptor struct {
	ReaderID string
	PIN      security.Secret
}

// Store holds zero or one Descriptor. A new descriptor replaces the old one
// as a whole, so readers always see a complete value.
type Store struct {
	cur atomic.Pointer[Descriptor]
}

// Replace installs d as the active descriptor. The PIN is copied so the
// caller may zero its own buffer.
func (s *Store) Replace(d Descriptor) {
	next := Descriptor{ReaderID: d.ReaderID, PIN: security.FromBytes(d.PIN)}
	s.cur.Store(&next)
}

// Current returns the active descriptor and whether one has been set.
func (s *Store) Current() (Descriptor, bool) {
	d := s.cur.Load()
	if d == nil {
		return Descriptor{}, false
	}
	return *d, true
}
