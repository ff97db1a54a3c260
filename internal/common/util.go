package common

import (
	"crypto/rand"
	"encoding/hex"
)

// MakeRandHexString returns size random bytes hex encoded, so the result is
// 2*size characters long. The in-memory remote uses it to suffix file
// reference tokens.
func MakeRandHexString(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// WipeByteArray zeroes b. The pool calls it on a decrypted session blob once
// the remote client has been built from it.
func WipeByteArray(b []byte) {
	clear(b)
}

// GenerateRandByteArray returns size bytes read from crypto/rand and panics if
// the system source fails. Used for AES-GCM nonces.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
