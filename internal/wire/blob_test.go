// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.
package wire

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestIdentityRoundTrip(t *testing.T) {
	cases := []struct {
		e, n    *big.Int
		comment string
	}{
		{big.NewInt(65537), new(big.Int).Lsh(big.NewInt(1), 1023), "/usr/lib/opensc-pkcs11.so"},
		{big.NewInt(3), big.NewInt(0xff), ""},
		{big.NewInt(0), big.NewInt(128), "zero exponent"},
	}
	for _, c := range cases {
		e, n, comment, rest, err := DecodeIdentity(EncodeIdentity(c.e, c.n, c.comment))
		if err != nil {
			t.Fatalf("DecodeIdentity failed: %v", err)
		}
		if e.Cmp(c.e) != 0 || n.Cmp(c.n) != 0 || comment != c.comment || len(rest) != 0 {
			t.Fatalf("round trip mismatch: e=%s n=%s comment=%q", e, n, comment)
		}
	}
}

func TestEncodePublicKeyBlob_ParsesWithSSH(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	blob := EncodePublicKeyBlob(big.NewInt(int64(key.E)), key.N)
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		t.Fatalf("ssh.ParsePublicKey rejected blob: %v", err)
	}
	if pub.Type() != KeyTypeRSA {
		t.Fatalf("unexpected key type %q", pub.Type())
	}
	if !bytes.Equal(pub.Marshal(), blob) {
		t.Fatalf("blob differs from x/crypto/ssh encoding")
	}
}

func TestDecodePublicKeyBlob(t *testing.T) {
	blob := EncodePublicKeyBlob(big.NewInt(65537), big.NewInt(0xc0ffee))
	kt, e, n, err := DecodePublicKeyBlob(blob)
	if err != nil {
		t.Fatalf("DecodePublicKeyBlob: %v", err)
	}
	if kt != KeyTypeRSA || e.Int64() != 65537 || n.Int64() != 0xc0ffee {
		t.Fatalf("unexpected decode: %s %s %s", kt, e, n)
	}

	if _, _, _, err := DecodePublicKeyBlob(append(blob, 0)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("trailing data: expected ErrMalformed, got %v", err)
	}
	if _, _, _, err := DecodePublicKeyBlob(blob[:len(blob)-1]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated: expected ErrMalformed, got %v", err)
	}

	other := append(PackNetstring([]byte("ssh-ed25519")), PackNetstring(make([]byte, 32))...)
	kt, e, n, err = DecodePublicKeyBlob(other)
	if err != nil || kt != "ssh-ed25519" || e != nil || n != nil {
		t.Fatalf("non-rsa blob: kt=%q e=%v n=%v err=%v", kt, e, n, err)
	}
}

func TestEncodeSignatureBlob(t *testing.T) {
	blob := EncodeSignatureBlob([]byte{1, 2, 3})
	var sig ssh.Signature
	if err := ssh.Unmarshal(blob, &sig); err != nil {
		t.Fatalf("ssh.Unmarshal: %v", err)
	}
	if sig.Format != KeyTypeRSA || !bytes.Equal(sig.Blob, []byte{1, 2, 3}) {
		t.Fatalf("unexpected signature %+v", sig)
	}
}

func TestSHA1DigestInfo(t *testing.T) {
	data := []byte("sign me")
	prefix, _ := hex.DecodeString("3021300906052b0e03021a05000414")
	sum := sha1.Sum(data)
	want := append(prefix, sum[:]...)
	if got := SHA1DigestInfo(data); !bytes.Equal(got, want) {
		t.Fatalf("SHA1DigestInfo = %x, want %x", got, want)
	}
}

func TestDigestInfo_SHA2(t *testing.T) {
	data := []byte("sign me")
	cases := []struct {
		h      crypto.Hash
		prefix string
	}{
		{crypto.SHA256, "3031300d060960864801650304020105000420"},
		{crypto.SHA512, "3051300d060960864801650304020305000440"},
	}
	for _, c := range cases {
		got, err := DigestInfo(c.h, data)
		if err != nil {
			t.Fatalf("DigestInfo(%v): %v", c.h, err)
		}
		prefix, _ := hex.DecodeString(c.prefix)
		h := c.h.New()
		h.Write(data)
		if want := append(prefix, h.Sum(nil)...); !bytes.Equal(got, want) {
			t.Fatalf("DigestInfo(%v) = %x, want %x", c.h, got, want)
		}
	}
	if _, err := DigestInfo(crypto.MD5, data); err == nil {
		t.Fatalf("expected error for unsupported hash")
	}
}
