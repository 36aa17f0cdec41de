package crypto

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/salsa20"
	"golang.org/x/crypto/sha3"
)

// SignatureSize is the wire size of a packet signature: a SHA3-256 MAC
// truncated to 6 bytes, the original protocol's tradeoff between integrity
// and the DNS name budget.
const SignatureSize = 6

// NonceSize is the wire size of the per-packet nonce counter.
const NonceSize = 2

// Cipher errors.
var (
	ErrBadSignature   = errors.New("crypto: packet signature verification failed")
	ErrNonceExhausted = errors.New("crypto: nonce counter exhausted, session must be re-keyed or closed")
	ErrNonceReplayed  = errors.New("crypto: packet nonce did not increase")
	ErrShortPacket    = errors.New("crypto: encrypted packet too short")
)

// Cipher encrypts and authenticates packet bodies for one session after the
// handshake completes. Each direction has its own key and strictly
// increasing nonce, so no (key, nonce) pair is ever reused.
//
// The sealed form is: signature (6) || nonce (2) || Salsa20 ciphertext.
// The packet header stays outside the sealed body but is bound by the MAC.
type Cipher struct {
	keys *SessionKeys

	writeNonce    uint32 // next nonce to use; fatal once it exceeds 0xFFFF
	peerNonceSeen bool
	peerNonce     uint16 // highest peer nonce accepted so far
}

// NewCipher creates a cipher over the agreed session keys.
func NewCipher(keys *SessionKeys) *Cipher {
	return &Cipher{keys: keys}
}

// Seal encrypts body with the write key and returns the wire form.
// header is the plaintext packet header, authenticated but not encrypted.
func (c *Cipher) Seal(header, body []byte) ([]byte, error) {
	if c.writeNonce > 0xFFFF {
		return nil, ErrNonceExhausted
	}
	nonce := uint16(c.writeNonce)
	c.writeNonce++

	ciphertext := make([]byte, len(body))
	salsa20.XORKeyStream(ciphertext, body, streamNonce(nonce), &c.keys.WriteKey)

	out := make([]byte, 0, SignatureSize+NonceSize+len(ciphertext))
	out = append(out, sign(&c.keys.WriteMACKey, header, nonce, ciphertext)...)
	out = binary.BigEndian.AppendUint16(out, nonce)
	out = append(out, ciphertext...)
	return out, nil
}

// Open verifies and decrypts a sealed packet body. The signature is checked
// before anything else; a failed check leaves the cipher state untouched so
// a forged packet cannot advance the nonce window.
func (c *Cipher) Open(header, wrapped []byte) ([]byte, error) {
	if len(wrapped) < SignatureSize+NonceSize {
		return nil, ErrShortPacket
	}

	sig := wrapped[:SignatureSize]
	nonce := binary.BigEndian.Uint16(wrapped[SignatureSize : SignatureSize+NonceSize])
	ciphertext := wrapped[SignatureSize+NonceSize:]

	want := sign(&c.keys.ReadMACKey, header, nonce, ciphertext)
	if subtle.ConstantTimeCompare(want, sig) != 1 {
		return nil, ErrBadSignature
	}

	// Nonces must strictly increase; the DNS layer can replay answers.
	if c.peerNonceSeen && nonce <= c.peerNonce {
		return nil, fmt.Errorf("%w: got %d, last was %d", ErrNonceReplayed, nonce, c.peerNonce)
	}
	c.peerNonce = nonce
	c.peerNonceSeen = true

	body := make([]byte, len(ciphertext))
	salsa20.XORKeyStream(body, ciphertext, streamNonce(nonce), &c.keys.ReadKey)
	return body, nil
}

// streamNonce widens the 16-bit wire nonce into the 8-byte Salsa20 nonce.
func streamNonce(nonce uint16) []byte {
	var n [8]byte
	binary.BigEndian.PutUint16(n[6:], nonce)
	return n[:]
}

// sign computes the truncated SHA3-256 MAC over the plaintext header, the
// nonce, and the ciphertext.
func sign(key *[32]byte, header []byte, nonce uint16, ciphertext []byte) []byte {
	h := sha3.New256()
	h.Write(key[:])
	h.Write(header)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], nonce)
	h.Write(n[:])
	h.Write(ciphertext)
	return h.Sum(nil)[:SignatureSize]
}
