// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"context"
	"fmt"

	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/manifest"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
)

type BackupOptions struct {
	// If positive, the manifest is stored after every CheckpointEvery
	// uploads, so that an interrupted backup doesn't have to upload
	// everything again.
	CheckpointEvery int
}

type BackupStats struct {
	Seen, Skipped, Uploaded int
	BytesUploaded           int64
}

func (s BackupStats) String() string {
	return fmt.Sprintf("%d items, %d already archived, %d uploaded (%s)", s.Seen,
		s.Skipped, s.Uploaded, u.FmtBytes(s.BytesUploaded))
}

// Backup uploads every item from src that isn't already archived,
// sealed with a key derived from passphrase, and then updates the
// manifest.
//
// The salt is stored before anything is uploaded; an existing salt is
// always reused. If an upload fails, the items that were uploaded are
// still added to the stored manifest, as long as that's possible, before
// the error is returned. If nothing new was uploaded, the manifest isn't
// rewritten.
func (a *Archive) Backup(ctx context.Context, passphrase string, src Source,
	opts BackupOptions) (stats BackupStats, err error) {
	defer func() {
		if cerr := closeIfCloser(src); cerr != nil {
			a.log.Warning("%s: closing source: %s", a, cerr)
		}
	}()

	salt, err := a.loadOrCreateSalt(ctx)
	if err != nil {
		return stats, err
	}
	cipher, err := newCipher(passphrase, salt)
	if err != nil {
		return stats, err
	}

	existing, err := manifest.Load(ctx, a.store, a.ns)
	if err != nil {
		return stats, errors.Wrap(err, "loading manifest")
	}
	legacy := false
	for fp := range existing {
		if len(fp) == legacyFingerprintLength {
			legacy = true
			break
		}
	}
	a.log.Verbose("%s: %d items already archived", a, len(existing))

	// Entries uploaded since the manifest was last stored.
	pending := manifest.Manifest{}
	progress := u.NewProgress(a.log, a.ns.String()+": uploaded")

	err = src.Items(ctx, func(it Item) error {
		stats.Seen++

		fp := crypt.FingerprintBytes(it.Data).String()
		if existing.Contains(fp) || pending.Contains(fp) ||
			(legacy && existing.Contains(legacyFingerprint(it.Data))) {
			stats.Skipped++
			return nil
		}

		blob, err := cipher.Seal(it.Data)
		if err != nil {
			return err
		}
		name := a.ns.ItemName(it.Ordinal, fp)
		if err := a.store.Put(ctx, name, blob); err != nil {
			return errors.Wrapf(err, "uploading item %d", it.Ordinal)
		}
		a.log.Debug("%s: stored %d bytes", name, len(blob))

		pending[fp] = name
		stats.Uploaded++
		stats.BytesUploaded += int64(len(blob))
		progress.Add(int64(len(blob)))

		if opts.CheckpointEvery > 0 && len(pending) >= opts.CheckpointEvery {
			m, err := manifest.MergeAndPersist(ctx, a.store, a.ns, existing, pending)
			if err != nil {
				return errors.Wrap(err, "storing manifest checkpoint")
			}
			a.log.Debug("%s: checkpointed manifest with %d entries", a, len(m))
			existing, pending = m, manifest.Manifest{}
		}
		return nil
	})
	if stats.Uploaded > 0 {
		progress.Done()
	}

	if err != nil {
		// Record what did make it so that the next run doesn't upload it
		// again; every entry in pending refers to a stored object. ctx
		// may have been cancelled, so don't use it for this.
		if len(pending) > 0 {
			m := existing.Merge(pending)
			if perr := manifest.Persist(context.Background(), a.store, a.ns, m); perr != nil {
				a.log.Warning("%s: unable to store partial manifest: %s", a, perr)
			}
		}
		return stats, err
	}

	if len(pending) > 0 {
		if _, err := manifest.MergeAndPersist(ctx, a.store, a.ns, existing, pending); err != nil {
			return stats, errors.Wrap(err, "storing manifest")
		}
	}

	if err := a.ensureSalt(ctx, salt); err != nil {
		return stats, err
	}

	a.log.Verbose("%s: %s", a, stats)
	return stats, nil
}

// loadOrCreateSalt returns the account's stored salt; if there isn't one
// yet, a new salt is generated and stored before it's returned.
func (a *Archive) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	salt, err := a.loadSalt(ctx)
	if err != nil || salt != nil {
		return salt, err
	}

	salt, err = crypt.NewSalt()
	if err != nil {
		return nil, err
	}
	a.log.Verbose("%s: first backup; storing new salt", a)
	if err := a.store.Put(ctx, a.ns.SaltName(), salt); err != nil {
		return nil, errors.Wrap(err, "storing salt")
	}
	return salt, nil
}

// ensureSalt makes sure the salt the backup used is still stored, storing
// it if it has gone missing. It never overwrites a stored salt.
func (a *Archive) ensureSalt(ctx context.Context, salt []byte) error {
	_, found, err := a.store.Get(ctx, a.ns.SaltName())
	if err != nil {
		return errors.Wrap(err, "checking salt")
	}
	if found {
		return nil
	}
	a.log.Warning("%s: salt disappeared during backup; storing it again", a)
	return errors.Wrap(a.store.Put(ctx, a.ns.SaltName(), salt), "storing salt")
}
