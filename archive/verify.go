// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"context"
	"fmt"

	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/storage"
	"github.com/pkg/errors"
)

// VerifyReport summarizes the state of an account's archive.
type VerifyReport struct {
	Entries int
	OK      int
	// Objects referenced by the manifest that aren't stored.
	Missing []string
	// Objects that failed to authenticate.
	Corrupt []string
	// Objects whose decrypted contents don't match their fingerprint.
	Mismatched []string
	// Stored items that the manifest doesn't refer to, as may be left by
	// an interrupted backup. They're harmless.
	Orphans []string
	// Whether orphans could be checked; not all stores can list objects.
	CheckedOrphans bool
}

// Healthy reports whether every archived item can be restored.
func (r VerifyReport) Healthy() bool {
	return len(r.Missing) == 0 && len(r.Corrupt) == 0 && len(r.Mismatched) == 0
}

func (r VerifyReport) String() string {
	s := fmt.Sprintf("%d of %d items ok, %d missing, %d corrupt, %d mismatched",
		r.OK, r.Entries, len(r.Missing), len(r.Corrupt), len(r.Mismatched))
	if r.CheckedOrphans {
		s += fmt.Sprintf(", %d orphans", len(r.Orphans))
	}
	return s
}

// Verify fetches and decrypts every archived item and checks that its
// contents match the fingerprint it's archived under. Up to nReaders
// objects are fetched concurrently. If the store can list its objects,
// stored items that the manifest doesn't refer to are reported as well.
//
// An error is only returned if the archive can't be checked at all;
// problems with individual items are described in the report.
func (a *Archive) Verify(ctx context.Context, passphrase string, nReaders int) (VerifyReport, error) {
	var rep VerifyReport

	r, err := a.OpenReader(ctx, passphrase)
	if err != nil {
		return rep, err
	}

	entries := r.Entries(false)
	rep.Entries = len(entries)
	names := make([]string, len(entries))
	referenced := make(map[string]bool)
	for i, e := range entries {
		names[i] = e.Object
		referenced[e.Object] = true
	}

	// GetMany delivers objects in order, so the i'th call is for the i'th
	// entry.
	i := 0
	err = storage.GetMany(ctx, a.store, names, nReaders, func(name string, blob []byte, found bool) error {
		e := entries[i]
		i++
		if !found {
			a.log.Error("%s: missing", name)
			rep.Missing = append(rep.Missing, name)
			return nil
		}
		pt, err := r.Unseal(e, blob)
		if err != nil {
			a.log.Error("%s", err)
			rep.Corrupt = append(rep.Corrupt, name)
			return nil
		}

		var fp string
		if len(e.Fingerprint) == legacyFingerprintLength {
			fp = legacyFingerprint(pt)
		} else {
			fp = crypt.FingerprintBytes(pt).String()
		}
		if fp != e.Fingerprint {
			a.log.Error("%s: contents don't match fingerprint %s", name, e.Fingerprint)
			rep.Mismatched = append(rep.Mismatched, name)
			return nil
		}
		rep.OK++
		return nil
	})
	if err != nil {
		return rep, err
	}

	l, ok := a.store.(storage.Lister)
	if !ok {
		return rep, nil
	}
	stored, err := l.List(ctx, a.ns.Prefix())
	if errors.Is(err, storage.ErrListUnsupported) {
		return rep, nil
	} else if err != nil {
		return rep, errors.Wrap(err, "listing objects")
	}
	rep.CheckedOrphans = true
	for _, name := range stored {
		if !referenced[name] && a.ns.IsItemName(name) {
			rep.Orphans = append(rep.Orphans, name)
		}
	}
	return rep, nil
}
