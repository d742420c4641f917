// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package layout defines how an account's objects are named in a
// BlobStore. Every object for an account lives under the account's
// namespace N:
//
//	N/salt.bin                      16-byte KDF salt
//	N/email_hashes.json             manifest: fingerprint -> object name
//	N/email_{ordinal}_{fp}.enc      one sealed message
package layout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	saltFile     = "salt.bin"
	manifestFile = "email_hashes.json"
	itemPrefix   = "email_"
	itemSuffix   = ".enc"
)

// Namespace is the path prefix that isolates one account's objects from
// every other account's.
type Namespace string

// ForAccount returns the namespace for the given e-mail address: the
// address with "@" replaced by "_at_".
func ForAccount(email string) (Namespace, error) {
	ns := Namespace(strings.ReplaceAll(strings.TrimSpace(email), "@", "_at_"))
	if err := ns.Validate(); err != nil {
		return "", errors.Wrapf(err, "%q", email)
	}
	return ns, nil
}

// Validate checks that the namespace can be used as a single path
// component.
func (ns Namespace) Validate() error {
	s := string(ns)
	if s == "" {
		return errors.New("empty namespace")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return errors.Errorf("%q: invalid namespace", s)
	}
	return nil
}

func (ns Namespace) String() string {
	return string(ns)
}

// Prefix returns the prefix shared by the names of all of the
// namespace's objects.
func (ns Namespace) Prefix() string {
	return string(ns) + "/"
}

// SaltName returns the name of the object that holds the salt.
func (ns Namespace) SaltName() string {
	return ns.Prefix() + saltFile
}

// ManifestName returns the name of the manifest object.
func (ns Namespace) ManifestName() string {
	return ns.Prefix() + manifestFile
}

// ItemName returns the name of the object that holds the sealed item
// with the given ordinal and hex-encoded fingerprint.
func (ns Namespace) ItemName(ordinal int, fingerprint string) string {
	return fmt.Sprintf("%s%s%d_%s%s", ns.Prefix(), itemPrefix, ordinal, fingerprint,
		itemSuffix)
}

// IsItemName reports whether name is the name of a sealed item in the
// namespace.
func (ns Namespace) IsItemName(name string) bool {
	_, _, err := ns.ParseItemName(name)
	return err == nil
}

// ParseItemName is the inverse of ItemName.
func (ns Namespace) ParseItemName(name string) (ordinal int, fingerprint string, err error) {
	base := strings.TrimPrefix(name, ns.Prefix())
	if base == name || !strings.HasPrefix(base, itemPrefix) ||
		!strings.HasSuffix(base, itemSuffix) {
		return 0, "", errors.Errorf("%q: not an item in %s", name, ns)
	}
	base = strings.TrimSuffix(strings.TrimPrefix(base, itemPrefix), itemSuffix)
	i := strings.IndexByte(base, '_')
	if i <= 0 || i == len(base)-1 {
		return 0, "", errors.Errorf("%q: malformed item name", name)
	}
	ordinal, err = strconv.Atoi(base[:i])
	if err != nil || ordinal < 0 {
		return 0, "", errors.Errorf("%q: malformed ordinal", name)
	}
	return ordinal, base[i+1:], nil
}
