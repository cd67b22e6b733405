// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// Module is the subset of *pkcs11.Ctx the adapter uses. Tests substitute a
// simulated token.
type Module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// Loader loads the PKCS#11 module identified by a reader identifier.
type Loader func(path string) (Module, error)

// DefaultLoader dlopens the module with miekg/pkcs11.
func DefaultLoader(path string) (Module, error) {
	ctx := pkcs11.New(path)
	if ctx == nil {
		return nil, fmt.Errorf("%w: cannot load module %q", ErrTokenUnavailable, path)
	}
	return ctx, nil
}

var _ Module = (*pkcs11.Ctx)(nil)

// Modules keeps one initialized handle per module path and counts the
// sessions using it. C_Initialize/C_Finalize are process-wide in PKCS#11, so
// two workers opening sessions on the same module must not finalize it under
// each other. Login state is shared by every session on a token in the same
// way, so logins are counted per slot and C_Logout only runs when the last
// authenticated session on that slot goes away.
type Modules struct {
	load Loader

	mu     sync.Mutex
	loaded map[string]*loadedModule
}

type loadedModule struct {
	mod  Module
	refs int

	// authMu serializes login and logout so a count and the token state
	// never disagree.
	authMu sync.Mutex
	logins map[uint]int
}

// NewModules returns an empty registry using load to open modules.
func NewModules(load Loader) *Modules {
	if load == nil {
		load = DefaultLoader
	}
	return &Modules{load: load, loaded: make(map[string]*loadedModule)}
}

func (m *Modules) acquire(path string) (Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lm, ok := m.loaded[path]; ok {
		lm.refs++
		return lm.mod, nil
	}

	mod, err := m.load(path)
	if err != nil {
		if errors.Is(err, ErrTokenUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: loading %q: %w", ErrTokenUnavailable, path, err)
	}
	if err := mod.Initialize(); err != nil && !isPKCS11Error(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		mod.Destroy()
		return nil, fmt.Errorf("%w: initializing %q: %w", ErrTokenUnavailable, path, err)
	}
	m.loaded[path] = &loadedModule{mod: mod, refs: 1, logins: make(map[uint]int)}
	return mod, nil
}

func (m *Modules) lookup(path string) (*loadedModule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.loaded[path]
	if !ok {
		return nil, fmt.Errorf("%w: module %q is not loaded", ErrTokenUnavailable, path)
	}
	return lm, nil
}

// login authenticates the token in slot unless another session of this
// process already did. The PIN is only checked by the token on the first
// login; later sessions share that state.
func (m *Modules) login(path string, slot uint, h pkcs11.SessionHandle, pin string) error {
	lm, err := m.lookup(path)
	if err != nil {
		return err
	}
	lm.authMu.Lock()
	defer lm.authMu.Unlock()

	if lm.logins[slot] == 0 {
		err := lm.mod.Login(h, pkcs11.CKU_USER, pin)
		if err != nil && !isPKCS11Error(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
			return err
		}
	}
	lm.logins[slot]++
	return nil
}

// logout drops one login reference for slot and logs the token out through
// h when it was the last one.
func (m *Modules) logout(path string, slot uint, h pkcs11.SessionHandle) error {
	lm, err := m.lookup(path)
	if err != nil {
		return err
	}
	lm.authMu.Lock()
	defer lm.authMu.Unlock()

	if lm.logins[slot] == 0 {
		return nil
	}
	lm.logins[slot]--
	if lm.logins[slot] > 0 {
		return nil
	}
	delete(lm.logins, slot)
	return lm.mod.Logout(h)
}

// loginCount reports how many sessions on path share the login in slot.
func (m *Modules) loginCount(path string, slot uint) int {
	lm, err := m.lookup(path)
	if err != nil {
		return 0
	}
	lm.authMu.Lock()
	defer lm.authMu.Unlock()
	return lm.logins[slot]
}

// release drops one reference and finalizes the module when it was the last.
// Errors are returned for logging only.
func (m *Modules) release(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lm, ok := m.loaded[path]
	if !ok {
		return nil
	}
	lm.refs--
	if lm.refs > 0 {
		return nil
	}
	delete(m.loaded, path)
	err := lm.mod.Finalize()
	lm.mod.Destroy()
	return err
}

// Loaded reports how many modules are currently initialized.
func (m *Modules) Loaded() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.loaded)
}

func isPKCS11Error(err error, code uint) bool {
	var perr pkcs11.Error
	return errors.As(err, &perr) && uint(perr) == code
}
