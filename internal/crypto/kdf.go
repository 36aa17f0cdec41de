// Package crypto implements the tunnel's key derivation, per-session
// handshake, and packet body encryption.
//
// The suite is P-256 ECDH for key agreement, SHA3-256 for key derivation and
// packet signatures, Salsa20 for body encryption, and PBKDF2 to turn an
// operator-supplied password into pre-shared key material.
package crypto

import (
	"crypto/sha1"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters. The salt is fixed: both endpoints must derive the same
// key from the same password, and the password is never stored.
var kdfSalt = []byte("dnscat2")

const (
	kdfIterations = 4096
	kdfKeyLength  = 32
)

// DeriveKey stretches a password into 32 bytes of pre-shared key material
// used to authenticate the session handshake.
func DeriveKey(password string) []byte {
	return pbkdf2.Key([]byte(password), kdfSalt, kdfIterations, kdfKeyLength, sha1.New)
}
