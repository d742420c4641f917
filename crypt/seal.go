// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"crypto/cipher"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the length of the random nonce stored at the start of
	// each sealed blob.
	NonceSize = chacha20poly1305.NonceSize
	// Overhead is the number of bytes a sealed blob adds to its
	// plaintext.
	Overhead = NonceSize + chacha20poly1305.Overhead
)

// Cipher seals and unseals items with ChaCha20-Poly1305. A sealed blob
// is laid out as a 12-byte random nonce followed by the ciphertext and
// its 16-byte tag. No additional data is authenticated, so a blob can be
// moved between archives that share a key without detection.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher returns a Cipher that uses the given key. The key may be
// zeroed once NewCipher returns.
func NewCipher(key *Key) (*Cipher, error) {
	if key == nil {
		return nil, errors.Wrap(ErrConfiguration, "nil key")
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, errors.Wrap(ErrConfiguration, err.Error())
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts the plaintext under a fresh random nonce and returns the
// nonce followed by the ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	// In the blob that's returned, first comes the nonce, then the
	// encrypted data.
	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	copy(blob, nonce)
	return c.aead.Seal(blob, nonce, plaintext, nil), nil
}

// Unseal authenticates and decrypts a blob produced by Seal. Any
// corruption, truncation, or use of the wrong key returns
// ErrAuthentication and no plaintext.
func (c *Cipher) Unseal(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, errors.Wrapf(ErrAuthentication, "sealed blob too short (%d bytes)",
			len(blob))
	}
	nonce, ct := blob[:NonceSize], blob[NonceSize:]
	pt, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return pt, nil
}

// Seal is a convenience wrapper that seals a single plaintext under key.
func Seal(key *Key, plaintext []byte) ([]byte, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Seal(plaintext)
}

// Unseal is a convenience wrapper that unseals a single blob under key.
func Unseal(key *Key, blob []byte) ([]byte, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return c.Unseal(blob)
}

// PlaintextSize returns the size of the plaintext sealed in a blob of the
// given size.
func PlaintextSize(blobSize int64) int64 {
	if blobSize < Overhead {
		return 0
	}
	return blobSize - Overhead
}
