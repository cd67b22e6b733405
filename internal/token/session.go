// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package token

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/miekg/pkcs11"

	"github.com/toeirei/tokenagent/internal/logging"
)

// findBatch is how many handles are requested per C_FindObjects call.
const findBatch = 16

// SlotPolicy decides which slot a session is opened on. Only slots that
// report a present token are considered. SlotID pins an exact slot, Label
// matches the token label, and with neither set the first slot wins.
type SlotPolicy struct {
	SlotID *uint
	Label  string
}

func (p SlotPolicy) selectSlot(mod Module) (uint, error) {
	slots, err := mod.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("%w: listing slots: %w", ErrTokenUnavailable, err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slot with a token present", ErrTokenUnavailable)
	}
	if p.SlotID != nil {
		for _, s := range slots {
			if s == *p.SlotID {
				return s, nil
			}
		}
		return 0, fmt.Errorf("%w: slot %d has no token", ErrTokenUnavailable, *p.SlotID)
	}
	if p.Label != "" {
		for _, s := range slots {
			info, err := mod.GetTokenInfo(s)
			if err != nil {
				continue
			}
			if strings.TrimSpace(info.Label) == p.Label {
				return s, nil
			}
		}
		return 0, fmt.Errorf("%w: no token labelled %q", ErrTokenUnavailable, p.Label)
	}
	return slots[0], nil
}

// Opener opens an authenticated hardware session for a descriptor.
type Opener interface {
	Open(d Descriptor) (*Session, error)
}

// Adapter is the production Opener: it loads modules through a shared
// registry and picks slots according to Policy.
type Adapter struct {
	Modules *Modules
	Policy  SlotPolicy
	Logger  *log.Logger
}

// NewAdapter returns an Adapter loading modules with load.
func NewAdapter(load Loader, policy SlotPolicy) *Adapter {
	return &Adapter{Modules: NewModules(load), Policy: policy}
}

// Open loads the module named by d.ReaderID, selects a slot, opens a
// read-only session and logs in with d.PIN. On failure everything acquired
// so far is released before returning.
func (a *Adapter) Open(d Descriptor) (*Session, error) {
	logger := logging.Or(a.Logger)
	mod, err := a.Modules.acquire(d.ReaderID)
	if err != nil {
		return nil, err
	}
	s := &Session{mod: mod, modules: a.Modules, path: d.ReaderID, logger: logger}

	slot, err := a.Policy.selectSlot(mod)
	if err != nil {
		s.Close()
		return nil, err
	}
	h, err := mod.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: opening session on slot %d: %w", ErrTokenUnavailable, slot, err)
	}
	s.handle, s.open, s.slot = h, true, slot

	if err := a.Modules.login(d.ReaderID, slot, h, d.PIN.Reveal()); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	s.loggedIn = true
	logger.Debug("token session opened", "reader", d.ReaderID, "slot", slot)
	return s, nil
}

// Session is one authenticated PKCS#11 session. It is owned by a single
// request and must not be shared between goroutines.
type Session struct {
	mod     Module
	modules *Modules
	path    string
	logger  *log.Logger

	slot     uint
	handle   pkcs11.SessionHandle
	open     bool
	loggedIn bool
	closed   bool
}

// WithSession opens a session for d, runs fn and closes the session on
// every exit path, including a panic inside fn.
func WithSession(o Opener, d Descriptor, fn func(*Session) error) error {
	s, err := o.Open(d)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// EnumerateSigningKeys returns the RSA private keys that may sign, in the
// order the module reports them, with their public components filled in.
func (s *Session) EnumerateSigningKeys() ([]Key, error) {
	return s.findKeys(SigningKeys())
}

// FindKey returns the signing key whose public exponent and modulus equal e
// and n. When several keys match, the first one reported by the module wins.
func (s *Session) FindKey(e, n *big.Int) (Key, error) {
	keys, err := s.findKeys(SigningKeys().PublicKey(e, n))
	if err != nil {
		return Key{}, err
	}
	if len(keys) == 0 {
		return Key{}, ErrKeyNotFound
	}
	return keys[0], nil
}

// Sign runs CKM_RSA_PKCS over digestInfo, which must already be a DER
// DigestInfo, and returns the raw signature.
func (s *Session) Sign(k Key, digestInfo []byte) ([]byte, error) {
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)}
	if err := s.mod.SignInit(s.handle, mech, k.Handle); err != nil {
		return nil, fmt.Errorf("%w: sign init: %w", ErrSigningFailed, err)
	}
	sig, err := s.mod.Sign(s.handle, digestInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return sig, nil
}

// Close releases this session's share of the token login, closes the
// session and releases the module. Each step is best effort: failures are
// logged and never returned. Close is idempotent.
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	if s.loggedIn {
		if err := s.modules.logout(s.path, s.slot, s.handle); err != nil {
			s.logger.Debug("token logout failed", "reader", s.path, "err", err)
		}
	}
	if s.open {
		if err := s.mod.CloseSession(s.handle); err != nil {
			s.logger.Debug("token close session failed", "reader", s.path, "err", err)
		}
	}
	if err := s.modules.release(s.path); err != nil {
		s.logger.Debug("token finalize failed", "reader", s.path, "err", err)
	}
}

func (s *Session) findKeys(f Filter) ([]Key, error) {
	handles, err := s.findObjects(f.template())
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(handles))
	for _, h := range handles {
		k, err := s.readKey(h)
		if err != nil {
			return nil, err
		}
		if f.Matches(k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Session) findObjects(tmpl []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := s.mod.FindObjectsInit(s.handle, tmpl); err != nil {
		return nil, fmt.Errorf("%w: find init: %w", ErrTokenUnavailable, err)
	}
	defer func() {
		if err := s.mod.FindObjectsFinal(s.handle); err != nil {
			s.logger.Debug("token find final failed", "reader", s.path, "err", err)
		}
	}()

	var out []pkcs11.ObjectHandle
	for {
		batch, _, err := s.mod.FindObjects(s.handle, findBatch)
		if err != nil {
			return nil, fmt.Errorf("%w: find objects: %w", ErrTokenUnavailable, err)
		}
		if len(batch) == 0 {
			return out, nil
		}
		out = append(out, batch...)
	}
}

func (s *Session) readKey(h pkcs11.ObjectHandle) (Key, error) {
	attrs, err := s.mod.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return Key{}, fmt.Errorf("%w: reading key attributes: %w", ErrTokenUnavailable, err)
	}
	k := Key{Handle: h}
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_MODULUS:
			k.Modulus = new(big.Int).SetBytes(a.Value)
		case pkcs11.CKA_PUBLIC_EXPONENT:
			k.Exponent = new(big.Int).SetBytes(a.Value)
		}
	}
	if k.Modulus == nil || k.Exponent == nil {
		return Key{}, fmt.Errorf("%w: key %d has no public components", ErrTokenUnavailable, h)
	}
	// Labels are optional on many tokens.
	if la, err := s.mod.GetAttributeValue(s.handle, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	}); err == nil && len(la) == 1 {
		k.Label = string(la[0].Value)
	}
	return k, nil
}
