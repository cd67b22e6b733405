// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.
package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"

	"github.com/toeirei/tokenagent/internal/audit"
	"github.com/toeirei/tokenagent/internal/security"
	"github.com/toeirei/tokenagent/internal/testutil"
	"github.com/toeirei/tokenagent/internal/token"
	"github.com/toeirei/tokenagent/internal/wire"
)

const testReader = "/usr/lib/fake-pkcs11.so"

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

func newTestHandler(t *testing.T, fake *testutil.FakeToken) (*Handler, *recorder) {
	t.Helper()
	a := token.NewAdapter(func(path string) (token.Module, error) {
		if path != testReader {
			return nil, errors.New("no such module")
		}
		return fake, nil
	}, token.SlotPolicy{})
	a.Logger = log.New(io.Discard)
	h := NewHandler(a)
	h.Logger = log.New(io.Discard)
	rec := &recorder{}
	h.Audit = rec
	return h, rec
}

// dial starts a worker for one end of a pipe and returns the other end.
func dial(t *testing.T, h *Handler) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.ServeConn(server)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client
}

func addKey(t *testing.T, h *Handler, reader, pin string) {
	t.Helper()
	if err := NewClient(dial(t, h)).AddSmartcardKey(reader, security.FromString(pin)); err != nil {
		t.Fatalf("AddSmartcardKey: %v", err)
	}
}

func roundTrip(t *testing.T, conn net.Conn, req wire.Message) wire.Message {
	t.Helper()
	if err := wire.WriteMessage(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestList_ReturnsTokenKeysInOrder(t *testing.T) {
	k0, k1 := testutil.RSAKey(t, 0), testutil.RSAKey(t, 1)
	fake := testutil.NewFakeToken("1234",
		testutil.FakeKey{Private: k1, Label: "b"},
		testutil.FakeKey{Private: k0, Label: "a"},
	)
	h, rec := newTestHandler(t, fake)
	addKey(t, h, testReader, "1234")

	keys, err := sshagent.NewClient(dial(t, h)).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(keys))
	}
	for i, want := range []*big.Int{k1.N, k0.N} {
		if !bytes.Equal(keys[i].Blob, wire.EncodePublicKeyBlob(big.NewInt(65537), want)) {
			t.Fatalf("identity %d does not match token order", i)
		}
		if _, err := ssh.ParsePublicKey(keys[i].Blob); err != nil {
			t.Fatalf("ParsePublicKey: %v", err)
		}
		if keys[i].Comment != testReader {
			t.Fatalf("identity %d comment = %q, want reader id", i, keys[i].Comment)
		}
	}
	if fake.OpenSessions() != 0 {
		t.Fatalf("session leaked after list")
	}

	events := rec.snapshot()
	if len(events) != 2 || events[0].Action != audit.ActionAddKey || events[1].Action != audit.ActionListIdentities {
		t.Fatalf("unexpected audit events %+v", events)
	}
}

func TestList_NoDescriptorOrBrokenTokenIsEmpty(t *testing.T) {
	fake := testutil.NewFakeToken("1234", testutil.FakeKey{Private: testutil.RSAKey(t, 0)})
	h, _ := newTestHandler(t, fake)

	keys, err := sshagent.NewClient(dial(t, h)).List()
	if err != nil || len(keys) != 0 {
		t.Fatalf("no descriptor: keys=%d err=%v", len(keys), err)
	}

	addKey(t, h, testReader, "wrong pin")
	keys, err = sshagent.NewClient(dial(t, h)).List()
	if err != nil || len(keys) != 0 {
		t.Fatalf("bad pin: keys=%d err=%v", len(keys), err)
	}

	addKey(t, h, "/nonexistent.so", "1234")
	keys, err = sshagent.NewClient(dial(t, h)).List()
	if err != nil || len(keys) != 0 {
		t.Fatalf("missing module: keys=%d err=%v", len(keys), err)
	}
}

func TestSign_VerifiesWithPublicKey(t *testing.T) {
	k := testutil.RSAKey(t, 0)
	fake := testutil.NewFakeToken("1234", testutil.FakeKey{Private: k})
	h, rec := newTestHandler(t, fake)
	addKey(t, h, testReader, "1234")

	pub, err := ssh.NewPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("NewPublicKey: %v", err)
	}
	data := []byte("session identifier and userauth request")

	client := sshagent.NewClient(dial(t, h))
	sig, err := client.Sign(pub, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig.Format != ssh.KeyAlgoRSA {
		t.Fatalf("unexpected signature format %q", sig.Format)
	}
	if err := pub.Verify(data, sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	for _, c := range []struct {
		flags  sshagent.SignatureFlags
		format string
	}{
		{sshagent.SignatureFlagRsaSha256, ssh.KeyAlgoRSASHA256},
		{sshagent.SignatureFlagRsaSha512, ssh.KeyAlgoRSASHA512},
	} {
		sig, err := client.SignWithFlags(pub, data, c.flags)
		if err != nil {
			t.Fatalf("SignWithFlags(%d): %v", c.flags, err)
		}
		if sig.Format != c.format {
			t.Fatalf("flags %d: format %q, want %q", c.flags, sig.Format, c.format)
		}
		if err := pub.Verify(data, sig); err != nil {
			t.Fatalf("flags %d: signature does not verify: %v", c.flags, err)
		}
	}

	if fake.OpenSessions() != 0 {
		t.Fatalf("session leaked after sign")
	}
	last := rec.snapshot()[len(rec.snapshot())-1]
	if last.Action != audit.ActionSign || last.Err != nil {
		t.Fatalf("unexpected audit event %+v", last)
	}
	if bytes.Contains([]byte(last.Detail), []byte("1234")) {
		t.Fatalf("audit detail must not contain the PIN")
	}
}

func TestSign_Failures(t *testing.T) {
	k, other := testutil.RSAKey(t, 0), testutil.RSAKey(t, 1)
	fake := testutil.NewFakeToken("1234", testutil.FakeKey{Private: k})
	h, rec := newTestHandler(t, fake)

	pub, _ := ssh.NewPublicKey(&k.PublicKey)
	conn := dial(t, h)
	client := sshagent.NewClient(conn)

	if _, err := client.Sign(pub, []byte("x")); err == nil {
		t.Fatalf("expected failure without descriptor")
	}
	if ev := rec.snapshot(); len(ev) != 1 || !errors.Is(ev[0].Err, ErrNoActiveSession) {
		t.Fatalf("expected NoActiveSession audit event, got %+v", ev)
	}

	addKey(t, h, testReader, "1234")
	otherPub, _ := ssh.NewPublicKey(&other.PublicKey)
	if _, err := client.Sign(otherPub, []byte("x")); err == nil {
		t.Fatalf("expected failure for key absent from token")
	}
	if ev := rec.snapshot(); !errors.Is(ev[len(ev)-1].Err, token.ErrKeyNotFound) {
		t.Fatalf("expected KeyNotFound audit event, got %+v", ev[len(ev)-1])
	}

	fake.SignErr = errors.New("card removed")
	if _, err := client.Sign(pub, []byte("x")); err == nil {
		t.Fatalf("expected failure when the token rejects signing")
	}
	if fake.OpenSessions() != 0 {
		t.Fatalf("session leaked after failed sign")
	}

	// Non-RSA key and malformed payloads fail without touching the token.
	opens := fake.Stats().Open
	ed := wire.PackNetstring(append(wire.PackNetstring([]byte("ssh-ed25519")), wire.PackNetstring(make([]byte, 32))...))
	payload := append(append(ed, wire.PackNetstring([]byte("x"))...), wire.PackUint32(0)...)
	if resp := roundTrip(t, conn, wire.Message{Op: OpSignRequest, Payload: payload}); resp.Op != OpFailure {
		t.Fatalf("non-rsa key: got op %d", resp.Op)
	}
	if resp := roundTrip(t, conn, wire.Message{Op: OpSignRequest, Payload: []byte{0, 0, 0, 9, 1}}); resp.Op != OpFailure {
		t.Fatalf("malformed: got op %d", resp.Op)
	}
	if fake.Stats().Open != opens {
		t.Fatalf("token opened for a request that should be rejected up front")
	}
}

func TestLegacyIdentitiesAndUnknownOpcode(t *testing.T) {
	h, _ := newTestHandler(t, testutil.NewFakeToken("1234"))
	conn := dial(t, h)

	resp := roundTrip(t, conn, wire.Message{Op: OpRequestRSAIdentities})
	if resp.Op != OpRSAIdentitiesAnswer || !bytes.Equal(resp.Payload, []byte{0, 0, 0, 0}) {
		t.Fatalf("legacy answer = %d %x", resp.Op, resp.Payload)
	}

	for _, op := range []byte{17, 19, 22, 99} {
		if resp := roundTrip(t, conn, wire.Message{Op: op, Payload: []byte("ignored")}); resp.Op != OpFailure {
			t.Fatalf("op %d: got %d, want failure", op, resp.Op)
		}
	}

	// Connection is still usable.
	resp = roundTrip(t, conn, wire.Message{Op: OpRequestIdentities})
	if resp.Op != OpIdentitiesAnswer || !bytes.Equal(resp.Payload, []byte{0, 0, 0, 0}) {
		t.Fatalf("identities after unknown op = %d %x", resp.Op, resp.Payload)
	}
}

func TestAddSmartcardKey_ReplacesDescriptor(t *testing.T) {
	h, _ := newTestHandler(t, testutil.NewFakeToken("1234"))
	conn := dial(t, h)

	if resp := roundTrip(t, conn, wire.Message{Op: OpAddSmartcardKey, Payload: wire.PackNetstring([]byte("only reader"))}); resp.Op != OpFailure {
		t.Fatalf("missing pin: got op %d", resp.Op)
	}
	if _, ok := h.Store.Current(); ok {
		t.Fatalf("descriptor set by malformed request")
	}

	client := NewClient(conn)
	if err := client.AddSmartcardKey("first.so", security.FromString("1")); err != nil {
		t.Fatalf("AddSmartcardKey: %v", err)
	}
	if err := client.AddSmartcardKey("second.so", security.FromString("2")); err != nil {
		t.Fatalf("AddSmartcardKey: %v", err)
	}
	d, ok := h.Store.Current()
	if !ok || d.ReaderID != "second.so" || d.PIN.Reveal() != "2" {
		t.Fatalf("unexpected descriptor %q", d.ReaderID)
	}
	if fake := h.Opener.(*token.Adapter); fake.Modules.Loaded() != 0 {
		t.Fatalf("add-key must not open the token")
	}

	// Trailing constraints are ignored.
	payload := append(append(wire.PackNetstring([]byte("third.so")), wire.PackNetstring([]byte("3"))...), 1, 0, 0, 0, 5)
	if resp := roundTrip(t, conn, wire.Message{Op: OpAddSmartcardKey, Payload: payload}); resp.Op != OpSuccess {
		t.Fatalf("constrained add: got op %d", resp.Op)
	}

	if err := client.AddSmartcardKey("", security.FromString("1")); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("empty reader: expected ErrRequestFailed, got %v", err)
	}
}

func TestServeConn_MalformedFrameDropsConnection(t *testing.T) {
	h, _ := newTestHandler(t, testutil.NewFakeToken("1234"))
	conn := dial(t, h)

	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection close, got %v", err)
	}
}

func TestServeConn_ReadTimeoutDropsIdleClient(t *testing.T) {
	h, _ := newTestHandler(t, testutil.NewFakeToken("1234"))
	h.ReadTimeout = 50 * time.Millisecond
	conn := dial(t, h)

	// Half a frame, then silence.
	if _, err := conn.Write([]byte{0, 0, 0, 5, OpRequestIdentities}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection close after timeout, got %v", err)
	}
}

func TestConcurrentConnectionsUseIndependentSessions(t *testing.T) {
	k0, k1 := testutil.RSAKey(t, 0), testutil.RSAKey(t, 1)
	fake := testutil.NewFakeToken("1234", testutil.FakeKey{Private: k0}, testutil.FakeKey{Private: k1})
	fake.Delay = 50 * time.Millisecond
	h, _ := newTestHandler(t, fake)
	addKey(t, h, testReader, "1234")

	pub0, _ := ssh.NewPublicKey(&k0.PublicKey)
	pub1, _ := ssh.NewPublicKey(&k1.PublicKey)
	const workers = 4
	conns := make([]net.Conn, workers)
	for i := range conns {
		conns[i] = dial(t, h)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			client := sshagent.NewClient(conn)
			keys, err := client.List()
			if err != nil {
				errs <- err
				return
			}
			if len(keys) != 2 ||
				!bytes.Equal(keys[0].Marshal(), pub0.Marshal()) ||
				!bytes.Equal(keys[1].Marshal(), pub1.Marshal()) {
				errs <- fmt.Errorf("worker %d listed %d unexpected identities", i, len(keys))
				return
			}
			pub := pub0
			if i%2 == 1 {
				pub = pub1
			}
			data := []byte{byte(i)}
			sig, err := client.Sign(pub, data)
			if err == nil {
				err = pub.Verify(data, sig)
			}
			errs <- err
		}(conns[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent list and sign: %v", err)
		}
	}

	st := fake.Stats()
	if st.Sign != workers || st.Open != st.Close || st.Open != 2*workers {
		t.Fatalf("unexpected token stats %+v", st)
	}
	if st.MaxConcurrentSessions < 2 {
		t.Fatalf("connections were serialized: max concurrent sessions %d", st.MaxConcurrentSessions)
	}
	if st.Login != st.Logout {
		t.Fatalf("logins and logouts do not pair up: %+v", st)
	}
	if fake.Initialized() || fake.LoggedIn() {
		t.Fatalf("module left initialized or logged in after all sessions closed")
	}
}
