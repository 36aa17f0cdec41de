package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// PublicKeySize is the wire size of a handshake public key: the X and Y
// coordinates of a P-256 point, 32 bytes each.
const PublicKeySize = 64

// AuthenticatorSize is the wire size of the handshake authenticator.
const AuthenticatorSize = 32

// Handshake errors.
var (
	ErrBadAuthenticator = errors.New("crypto: authenticator mismatch (wrong pre-shared secret or tampering)")
	ErrNotAgreed        = errors.New("crypto: no shared key has been agreed yet")
)

// State tracks how far a session's handshake has progressed.
type State int

const (
	// StateUnauthenticated: no key exchange has happened; nothing may be
	// encrypted yet.
	StateUnauthenticated State = iota

	// StateKeyAgreed: public keys are exchanged and session keys derived,
	// but the peer has not proven knowledge of the pre-shared secret.
	StateKeyAgreed

	// StateAuthenticated: the peer's authenticator verified (or no secret is
	// in use). All session traffic is encrypted from this point on.
	StateAuthenticated
)

// SessionKeys holds the four directional keys derived from the shared
// secret. Write keys protect what we send; read keys what the peer sends.
type SessionKeys struct {
	WriteKey    [32]byte
	WriteMACKey [32]byte
	ReadKey     [32]byte
	ReadMACKey  [32]byte
}

// Handshake is the client side of the session key exchange. It owns an
// ephemeral P-256 key pair and, once the peer's public key arrives, the
// derived session keys.
type Handshake struct {
	priv      *ecdh.PrivateKey
	preshared []byte // nil when running without a secret

	shared  []byte
	peerPub []byte
	keys    *SessionKeys
	state   State
}

// NewHandshake creates a handshake with a fresh ephemeral key pair.
// preshared may be nil, in which case the session is encrypted but the
// endpoints are not authenticated to each other.
func NewHandshake(preshared []byte) (*Handshake, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating session key pair: %w", err)
	}
	return &Handshake{priv: priv, preshared: preshared}, nil
}

// State returns the current handshake state.
func (h *Handshake) State() State {
	return h.state
}

// PublicKey returns our public key in wire form (X || Y, 64 bytes).
func (h *Handshake) PublicKey() []byte {
	// Bytes() is the uncompressed SEC1 point: 0x04 || X || Y.
	return h.priv.PublicKey().Bytes()[1:]
}

// SetPeerPublicKey consumes the peer's wire-form public key, computes the
// ECDH shared secret, and derives the directional session keys. Without a
// pre-shared secret this completes the handshake; with one, the session
// stays in StateKeyAgreed until VerifyAuthenticator succeeds.
func (h *Handshake) SetPeerPublicKey(wire []byte) error {
	if len(wire) != PublicKeySize {
		return fmt.Errorf("peer public key is %d bytes, want %d", len(wire), PublicKeySize)
	}

	point := make([]byte, 0, PublicKeySize+1)
	point = append(point, 0x04)
	point = append(point, wire...)
	peerPub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return fmt.Errorf("parsing peer public key: %w", err)
	}

	shared, err := h.priv.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("computing shared secret: %w", err)
	}

	h.shared = shared
	h.peerPub = append([]byte(nil), wire...)
	h.keys = deriveKeys(shared)

	if h.preshared == nil {
		h.state = StateAuthenticated
	} else {
		h.state = StateKeyAgreed
	}
	return nil
}

// Keys returns the derived session keys, or an error before key agreement.
func (h *Handshake) Keys() (*SessionKeys, error) {
	if h.keys == nil {
		return nil, ErrNotAgreed
	}
	return h.keys, nil
}

// Authenticator computes our proof of knowledge of the pre-shared secret,
// bound to this key exchange.
func (h *Handshake) Authenticator() ([]byte, error) {
	if h.shared == nil {
		return nil, ErrNotAgreed
	}
	mac := authenticator(h.preshared, h.shared, h.PublicKey(), h.peerPub, "client")
	return mac, nil
}

// VerifyAuthenticator checks the peer's authenticator in constant time and,
// on success, moves the handshake to StateAuthenticated.
func (h *Handshake) VerifyAuthenticator(peer []byte) error {
	if h.shared == nil {
		return ErrNotAgreed
	}
	want := authenticator(h.preshared, h.shared, h.PublicKey(), h.peerPub, "server")
	if subtle.ConstantTimeCompare(want, peer) != 1 {
		return ErrBadAuthenticator
	}
	h.state = StateAuthenticated
	return nil
}

// deriveKeys expands the shared secret into the four directional keys.
// We are always the client side of the tunnel.
func deriveKeys(shared []byte) *SessionKeys {
	k := &SessionKeys{}
	k.WriteKey = deriveKey(shared, "client_write_key")
	k.WriteMACKey = deriveKey(shared, "client_mac_key")
	k.ReadKey = deriveKey(shared, "server_write_key")
	k.ReadMACKey = deriveKey(shared, "server_mac_key")
	return k
}

func deriveKey(shared []byte, label string) [32]byte {
	h := sha3.New256()
	h.Write(shared)
	h.Write([]byte(label))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// authenticator binds the pre-shared secret to both public keys and the
// shared secret, tagged by the sending role so the two directions differ.
func authenticator(preshared, shared, clientPub, serverPub []byte, role string) []byte {
	h := sha3.New256()
	h.Write(preshared)
	h.Write(shared)
	h.Write(clientPub)
	h.Write(serverPub)
	h.Write([]byte(role))
	return h.Sum(nil)
}
