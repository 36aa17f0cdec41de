// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"encoding/binary"
)

// RandUint16 returns a uniformly random 16-bit value from the OS entropy
// source. Used for session ids and packet ids, which must be unpredictable
// to an observer of the DNS channel.
func RandUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// The OS random source failing is unrecoverable.
		panic("util: reading random bytes: " + err.Error())
	}
	return binary.BigEndian.Uint16(b[:])
}

// RandBytes fills and returns a fresh buffer of n random bytes.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("util: reading random bytes: " + err.Error())
	}
	return b
}
