// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package token

import "errors"

var (
	// ErrTokenUnavailable covers a module that cannot be loaded or
	// initialized, no usable slot, or a session that cannot be opened.
	ErrTokenUnavailable = errors.New("token unavailable")
	// ErrAuthenticationFailed is returned when the token rejects the PIN.
	ErrAuthenticationFailed = errors.New("token authentication failed")
	// ErrKeyNotFound is returned when no private key matches the request.
	ErrKeyNotFound = errors.New("key not found on token")
	// ErrSigningFailed wraps any token-side error raised while signing.
	ErrSigningFailed = errors.New("token signing failed")
)
