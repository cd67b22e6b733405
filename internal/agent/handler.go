// Copyright (c) 2026 Keymaster Team
// Keymaster Token Agent - PKCS#11 backed SSH agent
// This source code is licensed under the MIT license found in the LICENSE file.

package agent

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/tokenagent/internal/audit"
	"github.com/toeirei/tokenagent/internal/logging"
	"github.com/toeirei/tokenagent/internal/security"
	"github.com/toeirei/tokenagent/internal/token"
	"github.com/toeirei/tokenagent/internal/wire"
)

// DefaultReadTimeout bounds how long a connection may sit idle waiting for a
// complete request frame.
const DefaultReadTimeout = 10 * time.Second

// Handler answers agent requests on one connection at a time. A single
// Handler is shared by all connection workers; Store is the only state they
// share.
type Handler struct {
	Store  *token.Store
	Opener token.Opener
	// Logger defaults to logging.L.
	Logger *log.Logger
	// ReadTimeout is applied before every frame read. Zero disables it.
	ReadTimeout time.Duration
	// Audit defaults to audit.Nop.
	Audit audit.Recorder
}

// NewHandler returns a Handler with the default read timeout and a fresh
// descriptor store.
func NewHandler(opener token.Opener) *Handler {
	return &Handler{
		Store:       &token.Store{},
		Opener:      opener,
		Logger:      logging.L,
		ReadTimeout: DefaultReadTimeout,
		Audit:       audit.Nop{},
	}
}

func (h *Handler) logger() *log.Logger { return logging.Or(h.Logger) }

func (h *Handler) record(ev audit.Event) {
	if h.Audit != nil {
		h.Audit.Record(ev)
	}
}

// ServeConn runs the request loop until the peer hangs up or sends a frame
// that cannot be read. It closes conn before returning.
func (h *Handler) ServeConn(conn net.Conn) {
	defer conn.Close()
	lg := h.logger()
	for {
		if h.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(h.ReadTimeout))
		}
		req, err := wire.ReadMessage(conn)
		if err != nil {
			if !isHangup(err) {
				lg.Debug("dropping connection", "err", err)
			}
			return
		}
		resp := h.Handle(req)
		if err := wire.WriteMessage(conn, resp); err != nil {
			lg.Debug("write failed", "op", resp.Op, "err", err)
			return
		}
	}
}

func isHangup(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// Handle dispatches one request and returns exactly one response.
func (h *Handler) Handle(req wire.Message) wire.Message {
	switch req.Op {
	case OpRequestRSAIdentities:
		return wire.Message{Op: OpRSAIdentitiesAnswer, Payload: wire.PackUint32(0)}
	case OpAddSmartcardKey:
		return h.addSmartcardKey(req.Payload)
	case OpRequestIdentities:
		return h.requestIdentities()
	case OpSignRequest:
		return h.signRequest(req.Payload)
	default:
		h.logger().Debug("rejecting request", "op", req.Op, "err", ErrUnknownOpcode)
		return failure
	}
}

func (h *Handler) addSmartcardKey(payload []byte) wire.Message {
	reader, rest, err := wire.UnpackNetstring(payload)
	if err != nil {
		h.logger().Debug("add smartcard key", "err", err)
		return failure
	}
	pin, _, err := wire.UnpackNetstring(rest)
	if err != nil {
		h.logger().Debug("add smartcard key", "err", err)
		return failure
	}
	if len(reader) == 0 {
		h.logger().Debug("add smartcard key", "err", "empty reader id")
		return failure
	}
	// Constraints that may follow the PIN are not supported and ignored.
	secret := security.FromBytes(pin)
	h.Store.Replace(token.Descriptor{ReaderID: string(reader), PIN: secret})
	secret.Zero()
	clear(pin)

	h.logger().Info("token descriptor replaced", "reader", string(reader))
	h.record(audit.Event{Action: audit.ActionAddKey, Reader: string(reader)})
	return success
}

func (h *Handler) requestIdentities() wire.Message {
	d, ok := h.Store.Current()
	if !ok {
		return identitiesAnswer(nil, "")
	}
	var keys []token.Key
	err := token.WithSession(h.Opener, d, func(s *token.Session) error {
		var err error
		keys, err = s.EnumerateSigningKeys()
		return err
	})
	if err != nil {
		h.logger().Warn("listing identities failed", "reader", d.ReaderID, "err", err)
		h.record(audit.Event{Action: audit.ActionListIdentities, Reader: d.ReaderID, Err: err})
		return identitiesAnswer(nil, "")
	}
	h.record(audit.Event{
		Action: audit.ActionListIdentities,
		Reader: d.ReaderID,
		Detail: fmt.Sprintf("%d identities", len(keys)),
	})
	return identitiesAnswer(keys, d.ReaderID)
}

func identitiesAnswer(keys []token.Key, comment string) wire.Message {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(uint32(len(keys)))
	for _, k := range keys {
		b.AddBytes(wire.EncodeIdentity(k.Exponent, k.Modulus, comment))
	}
	return wire.Message{Op: OpIdentitiesAnswer, Payload: b.BytesOrPanic()}
}

// signAlgorithm maps request flags to the digest and signature algorithm
// name. Without flags the legacy SHA-1 ssh-rsa signature is produced.
func signAlgorithm(flags uint32) (crypto.Hash, string) {
	switch {
	case flags&FlagRSASHA512 != 0:
		return crypto.SHA512, wire.SigAlgoRSASHA2512
	case flags&FlagRSASHA256 != 0:
		return crypto.SHA256, wire.SigAlgoRSASHA2256
	default:
		return crypto.SHA1, wire.SigAlgoRSA
	}
}

type signRequest struct {
	blob  []byte
	e, n  *big.Int
	data  []byte
	flags uint32
}

func parseSignRequest(payload []byte) (signRequest, error) {
	var req signRequest
	blob, rest, err := wire.UnpackNetstring(payload)
	if err != nil {
		return req, err
	}
	data, rest, err := wire.UnpackNetstring(rest)
	if err != nil {
		return req, err
	}
	flags, _, err := wire.UnpackUint32(rest)
	if err != nil {
		return req, err
	}
	keyType, e, n, err := wire.DecodePublicKeyBlob(blob)
	if err != nil {
		return req, err
	}
	if keyType != wire.KeyTypeRSA {
		return req, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)
	}
	return signRequest{blob: blob, e: e, n: n, data: data, flags: flags}, nil
}

func (h *Handler) signRequest(payload []byte) wire.Message {
	lg := h.logger()
	req, err := parseSignRequest(payload)
	if err != nil {
		lg.Debug("sign request rejected", "err", err)
		return failure
	}
	fp := fingerprint(req.blob)

	d, ok := h.Store.Current()
	if !ok {
		lg.Warn("sign request rejected", "key", fp, "err", ErrNoActiveSession)
		h.record(audit.Event{Action: audit.ActionSign, Detail: fp, Err: ErrNoActiveSession})
		return failure
	}

	hash, algo := signAlgorithm(req.flags)
	digestInfo, err := wire.DigestInfo(hash, req.data)
	if err != nil {
		lg.Error("sign request rejected", "key", fp, "err", err)
		return failure
	}

	var sig []byte
	err = token.WithSession(h.Opener, d, func(s *token.Session) error {
		k, err := s.FindKey(req.e, req.n)
		if err != nil {
			return err
		}
		sig, err = s.Sign(k, digestInfo)
		return err
	})
	h.record(audit.Event{Action: audit.ActionSign, Reader: d.ReaderID, Detail: fp + " " + algo, Err: err})
	if err != nil {
		lg.Warn("signing failed", "reader", d.ReaderID, "key", fp, "err", err)
		return failure
	}
	lg.Debug("signed", "reader", d.ReaderID, "key", fp, "algo", algo)
	return wire.Message{
		Op:      OpSignResponse,
		Payload: wire.PackNetstring(wire.EncodeSignatureBlobWithAlgorithm(algo, sig)),
	}
}

func fingerprint(blob []byte) string {
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return "unknown"
	}
	return ssh.FingerprintSHA256(pub)
}
