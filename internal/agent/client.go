// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package agent

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"

	"github.com/toeirei/tokenagent/internal/security"
	"github.com/toeirei/tokenagent/internal/wire"
)

// Client speaks the requests golang.org/x/crypto/ssh/agent has no API for.
type Client struct {
	rw io.ReadWriter
}

// NewClient wraps an open agent connection.
func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// roundTrip writes one already framed request and reads the response.
func (c *Client) roundTrip(frame []byte) (wire.Message, error) {
	if _, err := c.rw.Write(frame); err != nil {
		return wire.Message{}, fmt.Errorf("failed to send request: %w", err)
	}
	resp, err := wire.ReadMessage(c.rw)
	if err != nil {
		return wire.Message{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

// AddSmartcardKey points the agent at a PKCS#11 module and PIN. The agent
// only records them; the token is first used on the next list or sign.
// The frame carrying the PIN is built in place and zeroed once sent.
func (c *Client) AddSmartcardKey(readerID string, pin security.Secret) error {
	size := 4 + 1 + 4 + len(readerID) + 4 + len(pin)
	b := cryptobyte.NewBuilder(make([]byte, 0, size))
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(OpAddSmartcardKey)
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(readerID)) })
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(pin) })
	})
	frame := b.BytesOrPanic()
	defer clear(frame)

	resp, err := c.roundTrip(frame)
	if err != nil {
		return err
	}
	switch resp.Op {
	case OpSuccess:
		return nil
	case OpFailure:
		return fmt.Errorf("add smartcard key %q: %w", readerID, ErrRequestFailed)
	default:
		return fmt.Errorf("add smartcard key: unexpected response %d", resp.Op)
	}
}
