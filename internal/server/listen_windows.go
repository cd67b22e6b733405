//go:build windows

// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package server

import (
	"fmt"
	"net"
	"os/user"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// DefaultPath is a per-user named pipe.
func DefaultPath() string {
	name := "default"
	if u, err := user.Current(); err == nil {
		name = u.Uid
	}
	return `\\.\pipe\tokenagent-` + name
}

// Listen creates a named pipe whose DACL grants access to the current user
// only.
func Listen(path string) (net.Listener, error) {
	tokenUser, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return nil, fmt.Errorf("resolving current user: %w", err)
	}
	sddl := fmt.Sprintf("D:P(A;;GA;;;%s)", tokenUser.User.Sid.String())
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{SecurityDescriptor: sddl})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return ln, nil
}

// Pipes vanish with their last handle.
func cleanup(string) error { return nil }

// Dial connects to the agent pipe at path.
func Dial(path string) (net.Conn, error) {
	return winio.DialPipe(path, nil)
}
