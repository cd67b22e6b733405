// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package wire

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	encasn1 "encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Signature algorithm names returned in signature blobs.
const (
	SigAlgoRSA        = KeyTypeRSA
	SigAlgoRSASHA2256 = "rsa-sha2-256"
	SigAlgoRSASHA2512 = "rsa-sha2-512"
)

var digestOIDs = map[crypto.Hash]encasn1.ObjectIdentifier{
	crypto.SHA1:   {1, 3, 14, 3, 2, 26},
	crypto.SHA256: {2, 16, 840, 1, 101, 3, 4, 2, 1},
	crypto.SHA512: {2, 16, 840, 1, 101, 3, 4, 2, 3},
}

// EncodePublicKeyBlob returns the ssh-rsa public key blob:
// string("ssh-rsa") || mpint(e) || mpint(n).
func EncodePublicKeyBlob(e, n *big.Int) []byte {
	b := cryptobyte.NewBuilder(nil)
	addNetstring(b, []byte(KeyTypeRSA))
	addMpint(b, e)
	addMpint(b, n)
	return b.BytesOrPanic()
}

// DecodePublicKeyBlob splits a public key blob into its key type and, for
// ssh-rsa blobs, the exponent and modulus. Other key types are returned with
// nil components so the caller can reject them by name.
func DecodePublicKeyBlob(blob []byte) (keyType string, e, n *big.Int, err error) {
	kt, rest, err := UnpackNetstring(blob)
	if err != nil {
		return "", nil, nil, err
	}
	keyType = string(kt)
	if keyType != KeyTypeRSA {
		return keyType, nil, nil, nil
	}
	if e, rest, err = UnpackMpint(rest); err != nil {
		return keyType, nil, nil, err
	}
	if n, rest, err = UnpackMpint(rest); err != nil {
		return keyType, nil, nil, err
	}
	if len(rest) != 0 {
		return keyType, nil, nil, malformed("public key blob", "trailing data")
	}
	return keyType, e, n, nil
}

// EncodeIdentity encodes one entry of an identities answer: the public key
// blob wrapped as a string, followed by the comment string.
func EncodeIdentity(e, n *big.Int, comment string) []byte {
	b := cryptobyte.NewBuilder(nil)
	addNetstring(b, EncodePublicKeyBlob(e, n))
	addNetstring(b, []byte(comment))
	return b.BytesOrPanic()
}

// DecodeIdentity is the inverse of EncodeIdentity. It returns the bytes that
// follow the entry so a whole identities answer can be walked.
func DecodeIdentity(buf []byte) (e, n *big.Int, comment string, rest []byte, err error) {
	blob, rest, err := UnpackNetstring(buf)
	if err != nil {
		return nil, nil, "", buf, err
	}
	c, rest, err := UnpackNetstring(rest)
	if err != nil {
		return nil, nil, "", buf, err
	}
	keyType, e, n, err := DecodePublicKeyBlob(blob)
	if err != nil {
		return nil, nil, "", buf, err
	}
	if keyType != KeyTypeRSA {
		return nil, nil, "", buf, malformed("identity", "unsupported key type "+keyType)
	}
	return e, n, string(c), rest, nil
}

// EncodeSignatureBlob returns string("ssh-rsa") || string(sig).
func EncodeSignatureBlob(sig []byte) []byte {
	return EncodeSignatureBlobWithAlgorithm(SigAlgoRSA, sig)
}

// EncodeSignatureBlobWithAlgorithm returns string(algo) || string(sig).
func EncodeSignatureBlobWithAlgorithm(algo string, sig []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	addNetstring(b, []byte(algo))
	addNetstring(b, sig)
	return b.BytesOrPanic()
}

// SHA1DigestInfo hashes data with SHA-1 and wraps the digest in the DER
// DigestInfo structure expected by CKM_RSA_PKCS.
func SHA1DigestInfo(data []byte) []byte {
	di, _ := DigestInfo(crypto.SHA1, data)
	return di
}

// DigestInfo hashes data with h and returns
// SEQUENCE { SEQUENCE { OID, NULL }, OCTET STRING digest }.
// Only SHA-1, SHA-256 and SHA-512 are supported.
func DigestInfo(h crypto.Hash, data []byte) ([]byte, error) {
	oid, ok := digestOIDs[h]
	if !ok {
		return nil, fmt.Errorf("wire: unsupported digest %v", h)
	}
	hh := h.New()
	hh.Write(data)
	sum := hh.Sum(nil)

	b := cryptobyte.NewBuilder(nil)
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1NULL()
		})
		b.AddASN1OctetString(sum)
	})
	return b.Bytes()
}
