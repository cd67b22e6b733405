// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package agent implements the SSH agent request loop: it reads framed
// requests from a connection, answers identity and signing requests from the
// active token and writes one framed response per request.
package agent // import "github.com/toeirei/tokenagent/internal/agent"

import (
	"errors"

	"github.com/toeirei/tokenagent/internal/wire"
)

// Message numbers from the SSH agent protocol (draft-miller-ssh-agent).
const (
	OpRequestRSAIdentities byte = 1
	OpRSAIdentitiesAnswer  byte = 2
	OpFailure              byte = 5
	OpSuccess              byte = 6
	OpRequestIdentities    byte = 11
	OpIdentitiesAnswer     byte = 12
	OpSignRequest          byte = 13
	OpSignResponse         byte = 14
	OpAddSmartcardKey      byte = 20
)

// Sign request flags.
const (
	FlagRSASHA256 uint32 = 2
	FlagRSASHA512 uint32 = 4
)

var (
	// ErrNoActiveSession means no add-smartcard-key request has been
	// received yet.
	ErrNoActiveSession = errors.New("no active token session")
	// ErrUnknownOpcode is logged for requests the agent does not handle.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrUnsupportedKeyType is returned for sign requests naming a key
	// that is not ssh-rsa.
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	// ErrRequestFailed is returned by the client when the agent answers
	// with a failure message.
	ErrRequestFailed = errors.New("agent refused request")
)

var (
	failure = wire.Message{Op: OpFailure}
	success = wire.Message{Op: OpSuccess}
)
