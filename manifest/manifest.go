// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest loads and stores the per-account index that maps the
// fingerprint of each archived item to the name of the object holding
// its sealed bytes. It's what makes backups incremental: an item whose
// fingerprint is already present isn't uploaded again.
package manifest

import (
	"context"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/mmp/mbk/layout"
	"github.com/mmp/mbk/storage"
	"github.com/pkg/errors"
)

// ErrCorrupt is returned when a stored manifest can't be decoded.
var ErrCorrupt = errors.New("manifest is corrupt")

// The stored form is a single JSON object with sorted keys.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifest maps hex-encoded fingerprints to object names.
type Manifest map[string]string

// Load returns the manifest stored for the namespace. A missing manifest
// is not an error; an empty manifest is returned.
func Load(ctx context.Context, store storage.BlobStore, ns layout.Namespace) (Manifest, error) {
	b, found, err := store.Get(ctx, ns.ManifestName())
	if err != nil {
		return nil, err
	}
	if !found {
		return Manifest{}, nil
	}
	return Decode(b)
}

// Decode parses the stored form of a manifest.
func Decode(b []byte) (Manifest, error) {
	m := Manifest{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(ErrCorrupt, err.Error())
	}
	if m == nil {
		// The JSON literal null.
		m = Manifest{}
	}
	return m, nil
}

// Encode returns the stored form of the manifest.
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return json.Marshal(m)
}

// Merge returns the union of m and added; entries in added take
// precedence. Neither argument is modified.
func (m Manifest) Merge(added Manifest) Manifest {
	r := make(Manifest, len(m)+len(added))
	for k, v := range m {
		r[k] = v
	}
	for k, v := range added {
		r[k] = v
	}
	return r
}

// Contains reports whether the fingerprint has an entry.
func (m Manifest) Contains(fingerprint string) bool {
	_, ok := m[fingerprint]
	return ok
}

// Fingerprints returns the manifest's keys in sorted order.
func (m Manifest) Fingerprints() []string {
	fps := make([]string, 0, len(m))
	for fp := range m {
		fps = append(fps, fp)
	}
	sort.Strings(fps)
	return fps
}

// Persist overwrites the stored manifest for the namespace with m. Every
// object m refers to must already be stored.
func Persist(ctx context.Context, store storage.BlobStore, ns layout.Namespace, m Manifest) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return store.Put(ctx, ns.ManifestName(), b)
}

// MergeAndPersist merges added into existing, stores the result, and
// returns it.
func MergeAndPersist(ctx context.Context, store storage.BlobStore, ns layout.Namespace,
	existing, added Manifest) (Manifest, error) {
	m := existing.Merge(added)
	if err := Persist(ctx, store, ns, m); err != nil {
		return nil, err
	}
	return m, nil
}
