// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package token adapts a PKCS#11 module to the operations the agent needs:
// open and authenticate a session, enumerate RSA signing keys, resolve a key
// by its public components, sign, and tear the session down.
//
// A Session is scoped to a single agent request. Use WithSession so the
// logout and close always run, whatever fn returns.
package token // import "github.com/toeirei/tokenagent/internal/token"
