// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides test doubles shared across packages. FakeToken
// simulates a PKCS#11 module holding RSA keys so the agent can be exercised
// without hardware.
package testutil

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/miekg/pkcs11"
)

// FakeKey is one key object on a FakeToken. Class and KeyType default to an
// RSA private key; NoSign clears CKA_SIGN.
type FakeKey struct {
	Private *rsa.PrivateKey
	Label   string
	Class   uint
	KeyType uint
	NoSign  bool
}

// FakeToken implements the PKCS#11 calls used by the token adapter. The
// zero value is not useful; build one with NewFakeToken.
type FakeToken struct {
	PIN    string
	Label  string
	SlotID uint
	Keys   []FakeKey

	// NoToken makes GetSlotList report no slot with a token present.
	NoToken bool
	// Delay is slept inside FindObjectsInit and Sign to model a slow card.
	Delay time.Duration
	// Error injection.
	InitErr   error
	SignErr   error
	LogoutErr error
	CloseErr  error

	mu          sync.Mutex
	initialized bool
	// loggedIn is application-wide as in PKCS#11: one C_Login
	// authenticates every session on the token and one C_Logout ends it
	// for all of them.
	loggedIn    bool
	nextHandle  pkcs11.SessionHandle
	sessions    map[pkcs11.SessionHandle]*fakeSession
	stats       FakeStats
}

// FakeStats counts calls for assertions.
type FakeStats struct {
	Initialize, Finalize, Destroy int
	Open, Close, Login, Logout    int
	Sign                          int
	MaxConcurrentSessions         int
}

type fakeSession struct {
	found   []pkcs11.ObjectHandle
	finding bool
	signKey pkcs11.ObjectHandle
	signing bool
}

// NewFakeToken returns a token with the given PIN holding keys.
func NewFakeToken(pin string, keys ...FakeKey) *FakeToken {
	return &FakeToken{
		PIN:      pin,
		Label:    "fake token",
		SlotID:   1,
		Keys:     keys,
		sessions: make(map[pkcs11.SessionHandle]*fakeSession),
	}
}

// Stats returns a snapshot of the call counters.
func (f *FakeToken) Stats() FakeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// OpenSessions reports sessions that were opened and not yet closed.
func (f *FakeToken) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// LoggedIn reports whether the token is authenticated.
func (f *FakeToken) LoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

// Initialized reports whether C_Initialize is in effect.
func (f *FakeToken) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

func (f *FakeToken) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Initialize++
	if f.InitErr != nil {
		return f.InitErr
	}
	if f.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED)
	}
	f.initialized = true
	return nil
}

func (f *FakeToken) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Finalize++
	if !f.initialized {
		return pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	f.initialized = false
	f.loggedIn = false
	return nil
}

func (f *FakeToken) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Destroy++
}

func (f *FakeToken) GetSlotList(tokenPresent bool) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return nil, pkcs11.Error(pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED)
	}
	if f.NoToken && tokenPresent {
		return nil, nil
	}
	return []uint{f.SlotID}, nil
}

func (f *FakeToken) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	if slotID != f.SlotID || f.NoToken {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	// Real modules pad labels with spaces to 32 bytes.
	return pkcs11.TokenInfo{Label: f.Label + "   "}, nil
}

func (f *FakeToken) OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slotID != f.SlotID || f.NoToken {
		return 0, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	if flags&pkcs11.CKF_SERIAL_SESSION == 0 {
		return 0, pkcs11.Error(pkcs11.CKR_SESSION_PARALLEL_NOT_SUPPORTED)
	}
	f.nextHandle++
	f.sessions[f.nextHandle] = &fakeSession{}
	f.stats.Open++
	if n := len(f.sessions); n > f.stats.MaxConcurrentSessions {
		f.stats.MaxConcurrentSessions = n
	}
	return f.nextHandle, nil
}

func (f *FakeToken) CloseSession(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	delete(f.sessions, sh)
	if len(f.sessions) == 0 {
		f.loggedIn = false
	}
	f.stats.Close++
	return f.CloseErr
}

func (f *FakeToken) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if userType != pkcs11.CKU_USER {
		return pkcs11.Error(pkcs11.CKR_USER_TYPE_INVALID)
	}
	if f.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_ALREADY_LOGGED_IN)
	}
	if pin != f.PIN {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	f.loggedIn = true
	f.stats.Login++
	return nil
}

func (f *FakeToken) Logout(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sh]; !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !f.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	f.loggedIn = false
	f.stats.Logout++
	return f.LogoutErr
}

func (f *FakeToken) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	time.Sleep(f.Delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_ACTIVE)
	}
	s.finding = true
	s.found = nil
	for i := range f.Keys {
		if f.matches(i, temp) {
			s.found = append(s.found, pkcs11.ObjectHandle(i+1))
		}
	}
	return nil
}

func (f *FakeToken) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sh]
	if !ok || !s.finding {
		return nil, false, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	n := min(max, len(s.found))
	out := s.found[:n]
	s.found = s.found[n:]
	return out, len(s.found) > 0, nil
}

func (f *FakeToken) FindObjectsFinal(sh pkcs11.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sh]
	if !ok || !s.finding {
		return pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.finding = false
	s.found = nil
	return nil
}

func (f *FakeToken) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sh]; !ok {
		return nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	idx := int(o) - 1
	if idx < 0 || idx >= len(f.Keys) {
		return nil, pkcs11.Error(pkcs11.CKR_OBJECT_HANDLE_INVALID)
	}
	attrs := f.attributes(idx)
	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, want := range a {
		v, ok := attrs[want.Type]
		if !ok {
			return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_TYPE_INVALID)
		}
		out = append(out, &pkcs11.Attribute{Type: want.Type, Value: v})
	}
	return out, nil
}

func (f *FakeToken) SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sh]
	if !ok {
		return pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	if !f.loggedIn {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if len(m) != 1 || m[0].Mechanism != pkcs11.CKM_RSA_PKCS {
		return pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	idx := int(o) - 1
	if idx < 0 || idx >= len(f.Keys) || f.Keys[idx].Private == nil {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	s.signKey, s.signing = o, true
	return nil
}

func (f *FakeToken) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	time.Sleep(f.Delay)
	f.mu.Lock()
	s, ok := f.sessions[sh]
	if !ok || !s.signing {
		f.mu.Unlock()
		return nil, pkcs11.Error(pkcs11.CKR_OPERATION_NOT_INITIALIZED)
	}
	s.signing = false
	f.stats.Sign++
	key := f.Keys[int(s.signKey)-1].Private
	signErr := f.SignErr
	f.mu.Unlock()

	if signErr != nil {
		return nil, signErr
	}
	// CKM_RSA_PKCS pads the caller-supplied DigestInfo as-is.
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), message)
}

func (f *FakeToken) matches(idx int, temp []*pkcs11.Attribute) bool {
	attrs := f.attributes(idx)
	for _, t := range temp {
		v, ok := attrs[t.Type]
		if !ok || !bytes.Equal(v, t.Value) {
			return false
		}
	}
	return true
}

func (f *FakeToken) attributes(idx int) map[uint][]byte {
	k := f.Keys[idx]
	class, keyType := k.Class, k.KeyType
	if class == 0 && k.Private != nil {
		class = pkcs11.CKO_PRIVATE_KEY
	}
	if keyType == 0 {
		keyType = pkcs11.CKK_RSA
	}
	attrs := map[uint][]byte{
		pkcs11.CKA_CLASS:    pkcs11.NewAttribute(pkcs11.CKA_CLASS, class).Value,
		pkcs11.CKA_KEY_TYPE: pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType).Value,
		pkcs11.CKA_SIGN:     pkcs11.NewAttribute(pkcs11.CKA_SIGN, !k.NoSign).Value,
	}
	if k.Label != "" {
		attrs[pkcs11.CKA_LABEL] = []byte(k.Label)
	}
	if k.Private != nil {
		attrs[pkcs11.CKA_MODULUS] = k.Private.N.Bytes()
		attrs[pkcs11.CKA_PUBLIC_EXPONENT] = big.NewInt(int64(k.Private.E)).Bytes()
	}
	return attrs
}

var (
	keyMu    sync.Mutex
	keyCache = map[int]*rsa.PrivateKey{}
)

// RSAKey returns the cached 1024-bit test key for index i, generating it on
// first use.
func RSAKey(t testing.TB, i int) *rsa.PrivateKey {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if k, ok := keyCache[i]; ok {
		return k
	}
	k, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	keyCache[i] = k
	return k
}
