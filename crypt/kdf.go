// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypt provides the cryptographic building blocks for archiving
// mail: deriving an encryption key from a passphrase, fingerprinting
// message contents, and sealing / unsealing messages with an AEAD.
package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrConfiguration is returned when key material of the wrong shape
	// is supplied.
	ErrConfiguration = errors.New("invalid key configuration")
	// ErrAuthentication is returned when a sealed blob fails to
	// authenticate: it was corrupted, truncated, or sealed under a
	// different key.
	ErrAuthentication = errors.New("authentication failed")
)

const (
	// SaltSize is the length of the per-account salt, in bytes.
	SaltSize = 16
	// KeySize is the length of derived keys, in bytes.
	KeySize = 32
	// KDFIterations is the PBKDF2 iteration count. Changing it makes all
	// existing archives unreadable.
	KDFIterations = 100000
)

// Key is a symmetric encryption key derived from a passphrase. It must
// never be persisted or logged.
type Key [KeySize]byte

// Zero overwrites the key's bytes.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// String keeps keys out of log messages.
func (k *Key) String() string {
	return "Key{...}"
}

// NewSalt returns SaltSize bytes from a cryptographically-strong random
// number source.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// DeriveKey derives a key from the passphrase and salt using PBKDF2 with
// HMAC-SHA256. The result depends only on its inputs.
func DeriveKey(passphrase string, salt []byte) (*Key, error) {
	if len(salt) != SaltSize {
		return nil, errors.Wrapf(ErrConfiguration, "salt is %d bytes, expected %d",
			len(salt), SaltSize)
	}

	dk := pbkdf2.Key([]byte(passphrase), salt, KDFIterations, KeySize, sha256.New)
	var k Key
	copy(k[:], dk)
	for i := range dk {
		dk[i] = 0
	}
	return &k, nil
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "crypto/rand")
	}
	return b, nil
}
