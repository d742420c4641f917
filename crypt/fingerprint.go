// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypt

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// FingerprintSize is the number of bytes in a Fingerprint.
const FingerprintSize = 32

// Fingerprint identifies an item by its contents. It's used only to
// detect duplicates; it is never used to authenticate data.
type Fingerprint [FingerprintSize]byte

// FingerprintBytes computes the SHAKE256 hash of the given byte slice.
func FingerprintBytes(b []byte) Fingerprint {
	var f Fingerprint
	sha3.ShakeSum256(f[:], b)
	return f
}

// String returns the Fingerprint as a lowercase hexidecimal-encoded
// string.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes a hex-encoded Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != 2*FingerprintSize {
		return f, errors.Errorf("%q: fingerprint must be %d hex digits", s,
			2*FingerprintSize)
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, errors.Wrapf(err, "%q", s)
	}
	return f, nil
}
