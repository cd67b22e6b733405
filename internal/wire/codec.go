// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import (
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
)

// KeyTypeRSA is the only key type tag the agent understands.
const KeyTypeRSA = "ssh-rsa"

// ErrMalformed is matched by every ProtocolError via errors.Is.
var ErrMalformed = errors.New("malformed protocol data")

// ProtocolError reports a field or frame that could not be decoded.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Op, e.Reason)
}

// Is lets callers test for ErrMalformed without caring about the field.
func (e *ProtocolError) Is(target error) bool { return target == ErrMalformed }

func malformed(op, reason string) error {
	return &ProtocolError{Op: op, Reason: reason}
}

// PackUint32 encodes v as 4 big-endian bytes.
func PackUint32(v uint32) []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, 4))
	b.AddUint32(v)
	return b.BytesOrPanic()
}

// UnpackUint32 reads a big-endian uint32 from the front of buf and returns
// the remaining bytes.
func UnpackUint32(buf []byte) (uint32, []byte, error) {
	s := cryptobyte.String(buf)
	var v uint32
	if !s.ReadUint32(&v) {
		return 0, buf, malformed("uint32", fmt.Sprintf("need 4 bytes, have %d", len(buf)))
	}
	return v, []byte(s), nil
}

// PackNetstring prefixes s with its uint32 length.
func PackNetstring(s []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	addNetstring(b, s)
	return b.BytesOrPanic()
}

// UnpackNetstring reads one length-prefixed string from the front of buf.
// The returned slice aliases buf.
func UnpackNetstring(buf []byte) ([]byte, []byte, error) {
	s := cryptobyte.String(buf)
	var n uint32
	if !s.ReadUint32(&n) {
		return nil, buf, malformed("netstring", "short length prefix")
	}
	var out []byte
	if uint64(n) > uint64(len(s)) || !s.ReadBytes(&out, int(n)) {
		return nil, buf, malformed("netstring", "declared length exceeds buffer")
	}
	return out, []byte(s), nil
}

// PackMpint encodes a non-negative integer as an SSH mpint. Zero becomes an
// empty netstring and a leading byte with the high bit set gets a 0x00 pad.
func PackMpint(v *big.Int) []byte {
	b := cryptobyte.NewBuilder(nil)
	addMpint(b, v)
	return b.BytesOrPanic()
}

// UnpackMpint decodes an mpint as an unsigned integer. Sign recovery is not
// implemented; RSA public components are never negative.
func UnpackMpint(buf []byte) (*big.Int, []byte, error) {
	raw, rest, err := UnpackNetstring(buf)
	if err != nil {
		return nil, buf, malformed("mpint", "declared length exceeds buffer")
	}
	return new(big.Int).SetBytes(raw), rest, nil
}

func addNetstring(b *cryptobyte.Builder, s []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(s)
	})
}

func addMpint(b *cryptobyte.Builder, v *big.Int) {
	if v.Sign() < 0 {
		panic("wire: negative mpint")
	}
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		raw := v.Bytes()
		if len(raw) > 0 && raw[0]&0x80 != 0 {
			b.AddUint8(0)
		}
		b.AddBytes(raw)
	})
}
