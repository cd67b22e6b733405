// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// MaxMessageSize bounds the declared length of a single frame. Anything
// larger is treated as a malformed length.
const MaxMessageSize = 256 * 1024

// Message is one agent protocol frame: an opcode and its payload.
type Message struct {
	Op      byte
	Payload []byte
}

// ReadMessage reads one frame: a uint32 length covering opcode and payload,
// then exactly that many bytes. Short reads are returned as-is (typically
// io.EOF or io.ErrUnexpectedEOF); an out-of-range length is a ProtocolError.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxMessageSize {
		return Message{}, malformed("frame", fmt.Sprintf("invalid length %d", n))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{Op: body[0], Payload: body[1:]}, nil
}

// WriteMessage writes m as a single frame with one Write call so concurrent
// writers on different connections never interleave partial frames.
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(m.Encode())
	return err
}

// Encode returns the framed bytes of m.
func (m Message) Encode() []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, 5+len(m.Payload)))
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(m.Op)
		b.AddBytes(m.Payload)
	})
	return b.BytesOrPanic()
}
