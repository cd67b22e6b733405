// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package token

import (
	"math/big"

	"github.com/miekg/pkcs11"
)

// Filter selects key objects on the token. Class, KeyType and Sign are sent
// to the module as a search template; Modulus and Exponent, when set, are
// compared by value after the attributes are read back so that differences
// in how a module pads big integers do not hide a key.
type Filter struct {
	Class    uint
	KeyType  uint
	Sign     bool
	Modulus  *big.Int
	Exponent *big.Int
}

// SigningKeys matches RSA private keys that may sign.
func SigningKeys() Filter {
	return Filter{Class: pkcs11.CKO_PRIVATE_KEY, KeyType: pkcs11.CKK_RSA, Sign: true}
}

// PublicKey narrows f to keys whose public components equal (e, n).
func (f Filter) PublicKey(e, n *big.Int) Filter {
	f.Exponent = e
	f.Modulus = n
	return f
}

func (f Filter) template() []*pkcs11.Attribute {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, f.Class),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, f.KeyType),
	}
	if f.Sign {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_SIGN, true))
	}
	return tmpl
}

// Matches reports whether k satisfies the value part of the filter.
func (f Filter) Matches(k Key) bool {
	if f.Modulus != nil && (k.Modulus == nil || f.Modulus.Cmp(k.Modulus) != 0) {
		return false
	}
	if f.Exponent != nil && (k.Exponent == nil || f.Exponent.Cmp(k.Exponent) != 0) {
		return false
	}
	return true
}

// Key is a private key object on the token together with its public
// components.
type Key struct {
	Handle   pkcs11.ObjectHandle
	Label    string
	Modulus  *big.Int
	Exponent *big.Int
}
