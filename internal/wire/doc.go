// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package wire implements the binary encoding used on the SSH agent socket:
// fixed-width integers, length-prefixed strings, mpints, the composite RSA
// key and signature blobs, and the length-prefixed message frame that carries
// them. Everything here is pure; the only I/O is ReadMessage/WriteMessage,
// which operate on a caller-supplied stream.
package wire // import "github.com/toeirei/tokenagent/internal/wire"
