// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"context"
	"sort"

	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	"github.com/pkg/errors"
)

// Reader provides access to the archived items of an account.
type Reader struct {
	a        *Archive
	cipher   *crypt.Cipher
	manifest manifest.Manifest
}

// OpenReader loads the account's salt and manifest and derives its key.
// It returns ErrNoBackup if the account has never been backed up. An
// account with a salt but no manifest has no items.
func (a *Archive) OpenReader(ctx context.Context, passphrase string) (*Reader, error) {
	salt, err := a.loadSalt(ctx)
	if err != nil {
		return nil, err
	}
	if salt == nil {
		return nil, errors.Wrap(ErrNoBackup, a.String())
	}

	cipher, err := newCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(ctx, a.store, a.ns)
	if err != nil {
		return nil, errors.Wrap(err, "loading manifest")
	}
	return &Reader{a: a, cipher: cipher, manifest: m}, nil
}

// Manifest returns the manifest the Reader was opened with.
func (r *Reader) Manifest() manifest.Manifest {
	return r.manifest
}

// Len returns the number of archived items.
func (r *Reader) Len() int {
	return len(r.manifest)
}

// Entries returns an Entry for each archived item. They're sorted by
// fingerprint or, if ordered is true, by ordinal.
func (r *Reader) Entries(ordered bool) []Entry {
	var entries []Entry
	for _, fp := range r.manifest.Fingerprints() {
		name := r.manifest[fp]
		ordinal, _, err := r.a.ns.ParseItemName(name)
		if err != nil {
			ordinal = -1
		}
		entries = append(entries, Entry{Fingerprint: fp, Object: name, Ordinal: ordinal})
	}
	if ordered {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Ordinal < entries[j].Ordinal
		})
	}
	return entries
}

// Read fetches and unseals the item for the entry. If the object is
// missing, the error matches ErrMissingObject; if it fails to
// authenticate, crypt.ErrAuthentication.
func (r *Reader) Read(ctx context.Context, e Entry) ([]byte, error) {
	blob, found, err := r.a.store.Get(ctx, e.Object)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrap(ErrMissingObject, e.Object)
	}
	return r.Unseal(e, blob)
}

// Unseal decrypts an entry's sealed object that was fetched separately.
func (r *Reader) Unseal(e Entry, blob []byte) ([]byte, error) {
	pt, err := r.cipher.Unseal(blob)
	if err != nil {
		return nil, errors.Wrap(err, e.Object)
	}
	return pt, nil
}

// Store returns the BlobStore the Reader reads from.
func (r *Reader) Store() storage.BlobStore {
	return r.a.store
}
