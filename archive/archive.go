// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package archive implements encrypted, deduplicating backup and restore
// of a collection of items (mail messages) to a storage.BlobStore.
//
// Each account gets its own layout.Namespace in the store. The first
// backup generates a random salt that's stored there; the encryption key
// is derived from the account's passphrase and that salt. Each item is
// fingerprinted, and items whose fingerprint is already in the account's
// manifest are skipped; the rest are sealed and uploaded, and the
// manifest is updated once they're all stored.
package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/layout"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
)

var (
	// ErrNoBackup is returned when restoring or verifying an account
	// that has never been backed up.
	ErrNoBackup = errors.New("no backup found")
	// ErrMissingObject is returned when the manifest refers to an object
	// that isn't in the store.
	ErrMissingObject = errors.New("object referenced by manifest is missing")
)

// Item is a single opaque item to archive, along with its position in
// the source. The ordinal is only used to name the stored object.
type Item struct {
	Ordinal int
	Data    []byte
}

// Source provides the items to back up. Items calls f once for each
// item, in order, stopping and returning f's error if it returns one. If
// a Source also implements io.Closer, Close is called once the backup is
// finished with it.
type Source interface {
	Items(ctx context.Context, f func(Item) error) error
}

// Entry describes one archived item: its fingerprint, the object that
// holds it, and the ordinal it was stored with (-1 if the object name
// doesn't encode one).
type Entry struct {
	Fingerprint string
	Object      string
	Ordinal     int
}

// Sink receives restored items. If a Sink also implements io.Closer,
// Close is called once the restore is finished with it.
type Sink interface {
	Append(ctx context.Context, e Entry, data []byte) error
}

// Items is a Source that provides a fixed set of items.
type Items []Item

func (items Items) Items(ctx context.Context, f func(Item) error) error {
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(it); err != nil {
			return err
		}
	}
	return nil
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Entry, data []byte) error

func (f SinkFunc) Append(ctx context.Context, e Entry, data []byte) error {
	return f(ctx, e, data)
}

// Archive provides backup and restore of one account's items.
//
// There's no locking: running two operations concurrently against the
// same namespace, from this process or another, may lose manifest
// updates.
type Archive struct {
	store storage.BlobStore
	ns    layout.Namespace
	log   *u.Logger
}

// New returns an Archive that stores the items of the account with the
// given namespace in store. log may be nil.
func New(store storage.BlobStore, ns layout.Namespace, log *u.Logger) *Archive {
	return &Archive{store: store, ns: ns, log: log}
}

func (a *Archive) Namespace() layout.Namespace {
	return a.ns
}

func (a *Archive) String() string {
	return a.store.String() + ":" + a.ns.String()
}

// loadSalt returns the stored salt, or nil if there isn't one.
func (a *Archive) loadSalt(ctx context.Context) ([]byte, error) {
	salt, found, err := a.store.Get(ctx, a.ns.SaltName())
	if err != nil {
		return nil, errors.Wrap(err, "loading salt")
	}
	if !found {
		return nil, nil
	}
	if len(salt) != crypt.SaltSize {
		return nil, errors.Wrapf(crypt.ErrConfiguration, "%s: salt is %d bytes",
			a.ns.SaltName(), len(salt))
	}
	return salt, nil
}

// newCipher derives the key for the passphrase and salt and returns a
// cipher using it. The key itself is wiped before returning.
func newCipher(passphrase string, salt []byte) (*crypt.Cipher, error) {
	key, err := crypt.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return crypt.NewCipher(key)
}

// legacyFingerprint returns the digest that manifests written by older
// versions used as keys.
func legacyFingerprint(b []byte) string {
	h := md5.Sum(b)
	return hex.EncodeToString(h[:])
}

const legacyFingerprintLength = 2 * md5.Size

func closeIfCloser(v interface{}) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
