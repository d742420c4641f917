// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mmp/mbk/crypt"
	"github.com/mmp/mbk/layout"
	"github.com/mmp/mbk/manifest"
	"github.com/mmp/mbk/storage"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const passphrase = "correct horse"

func newTestArchive(t *testing.T) (*Archive, *storage.Memory) {
	ns, err := layout.ForAccount("alice@example.com")
	require.NoError(t, err)
	store := storage.NewMemory()
	return New(store, ns, u.NewLoggerWithZap(zap.NewNop(), true, true)), store
}

func makeItems(msgs ...string) Items {
	var items Items
	for i, m := range msgs {
		items = append(items, Item{Ordinal: i, Data: []byte(m)})
	}
	return items
}

type collector struct {
	entries []Entry
	data    []string
	closed  bool
}

func (c *collector) Append(ctx context.Context, e Entry, data []byte) error {
	c.entries = append(c.entries, e)
	c.data = append(c.data, string(data))
	return nil
}

func (c *collector) Close() error {
	c.closed = true
	return nil
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	stats, err := a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3"), BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackupStats{Seen: 3, Uploaded: 3, BytesUploaded: 3 * (2 + crypt.Overhead)}, stats)
	// Salt, three items, and the manifest.
	assert.Equal(t, 5, store.Puts())

	names, err := store.List(ctx, a.Namespace().Prefix())
	require.NoError(t, err)
	assert.Len(t, names, 5)
	assert.Contains(t, names, "alice_at_example.com/salt.bin")
	assert.Contains(t, names, "alice_at_example.com/email_hashes.json")
	assert.Contains(t, names, a.Namespace().ItemName(1, crypt.FingerprintBytes([]byte("m2")).String()))

	var c collector
	rs, err := a.Restore(ctx, passphrase, &c, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, RestoreStats{Entries: 3, Restored: 3}, rs)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, c.data)
	assert.True(t, c.closed)
}

func TestBackupUnchanged(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	items := makeItems("m1", "m2", "m3")
	_, err := a.Backup(ctx, passphrase, items, BackupOptions{})
	require.NoError(t, err)
	puts := store.Puts()

	stats, err := a.Backup(ctx, passphrase, items, BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackupStats{Seen: 3, Skipped: 3}, stats)
	assert.Equal(t, puts, store.Puts(), "rerun shouldn't store anything")
}

func TestBackupIncremental(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	_, err := a.Backup(ctx, passphrase, makeItems("m1", "m2"), BackupOptions{})
	require.NoError(t, err)
	puts := store.Puts()

	stats, err := a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3"), BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Uploaded)
	assert.Equal(t, 2, stats.Skipped)
	// The new item and the manifest.
	assert.Equal(t, puts+2, store.Puts())

	m, err := manifest.Load(ctx, store, a.Namespace())
	require.NoError(t, err)
	assert.Len(t, m, 3)
}

func TestBackupDuplicates(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	stats, err := a.Backup(ctx, passphrase, makeItems("same", "other", "same"), BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Uploaded)
	assert.Equal(t, 1, stats.Skipped)

	m, err := manifest.Load(ctx, store, a.Namespace())
	require.NoError(t, err)
	fp := crypt.FingerprintBytes([]byte("same")).String()
	assert.Equal(t, a.Namespace().ItemName(0, fp), m[fp], "first occurrence wins")
}

func TestBackupSaltReused(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	_, err := a.Backup(ctx, passphrase, makeItems("m1"), BackupOptions{})
	require.NoError(t, err)
	salt, found, err := store.Get(ctx, a.Namespace().SaltName())
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, salt, crypt.SaltSize)

	_, err = a.Backup(ctx, passphrase, makeItems("m2"), BackupOptions{})
	require.NoError(t, err)
	salt2, _, err := store.Get(ctx, a.Namespace().SaltName())
	require.NoError(t, err)
	assert.Equal(t, salt, salt2)

	// Both items were sealed with the same key.
	var c collector
	_, err = a.Restore(ctx, passphrase, &c, RestoreOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, c.data)
}

func TestBackupBadSalt(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)
	require.NoError(t, store.Put(ctx, a.Namespace().SaltName(), []byte("short")))

	_, err := a.Backup(ctx, passphrase, makeItems("m1"), BackupOptions{})
	assert.True(t, errors.Is(err, crypt.ErrConfiguration), "%v", err)
}

func TestBackupPartialFailure(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	injected := fmt.Errorf("injected failure")
	store.FailPuts(func(name string) error {
		if strings.Contains(name, "/email_2_") {
			return injected
		}
		return nil
	})

	stats, err := a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3", "m4"), BackupOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrTransport), "%v", err)
	assert.Equal(t, 2, stats.Uploaded)

	// The manifest only refers to objects that were stored.
	m, err := manifest.Load(ctx, store, a.Namespace())
	require.NoError(t, err)
	assert.Len(t, m, 2)
	for _, name := range m {
		_, found, err := store.Get(ctx, name)
		require.NoError(t, err)
		assert.True(t, found, name)
	}

	// Once the store recovers, only what's missing is uploaded.
	store.FailPuts(nil)
	stats, err = a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3", "m4"), BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Uploaded)
	assert.Equal(t, 2, stats.Skipped)
}

func TestBackupCancelled(t *testing.T) {
	a, store := newTestArchive(t)
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	src := sourceFunc(func(ctx context.Context, f func(Item) error) error {
		for i, m := range []string{"m1", "m2", "m3"} {
			if i == 2 {
				cancel()
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
			if err := f(Item{Ordinal: i, Data: []byte(m)}); err != nil {
				return err
			}
		}
		return nil
	})
	_, err := a.Backup(ctx, passphrase, src, BackupOptions{})
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	assert.Equal(t, 2, n)

	m, err := manifest.Load(context.Background(), store, a.Namespace())
	require.NoError(t, err)
	assert.Len(t, m, 2, "uploaded items are recorded even after cancellation")
}

type sourceFunc func(ctx context.Context, f func(Item) error) error

func (s sourceFunc) Items(ctx context.Context, f func(Item) error) error {
	return s(ctx, f)
}

func TestBackupCheckpoint(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	manifestPuts := 0
	store.FailPuts(func(name string) error {
		if name == a.Namespace().ManifestName() {
			manifestPuts++
		}
		return nil
	})
	_, err := a.Backup(ctx, passphrase, makeItems("1", "2", "3", "4", "5"),
		BackupOptions{CheckpointEvery: 2})
	require.NoError(t, err)
	// After items 2 and 4 and then at the end.
	assert.Equal(t, 3, manifestPuts)

	m, err := manifest.Load(ctx, store, a.Namespace())
	require.NoError(t, err)
	assert.Len(t, m, 5)
}

func TestBackupLegacyManifest(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	// Create the salt.
	_, err := a.Backup(ctx, passphrase, Items{}, BackupOptions{})
	require.NoError(t, err)

	old := legacyFingerprint([]byte("old message"))
	require.NoError(t, manifest.Persist(ctx, store, a.Namespace(), manifest.Manifest{
		old: a.Namespace().ItemName(0, old),
	}))

	stats, err := a.Backup(ctx, passphrase, makeItems("old message", "new message"),
		BackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Uploaded)

	m, err := manifest.Load(ctx, store, a.Namespace())
	require.NoError(t, err)
	assert.Len(t, m, 2)
	assert.True(t, m.Contains(old))
}

func TestRestoreWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)

	_, err := a.Backup(ctx, passphrase, makeItems("m1"), BackupOptions{})
	require.NoError(t, err)

	var c collector
	_, err = a.Restore(ctx, "wrong", &c, RestoreOptions{})
	assert.True(t, errors.Is(err, crypt.ErrAuthentication), "%v", err)
	assert.Empty(t, c.data)
	assert.True(t, c.closed)
}

func TestRestoreNoBackup(t *testing.T) {
	a, _ := newTestArchive(t)
	_, err := a.Restore(context.Background(), passphrase, &collector{}, RestoreOptions{})
	assert.True(t, errors.Is(err, ErrNoBackup), "%v", err)

	_, err = a.Verify(context.Background(), passphrase, 2)
	assert.True(t, errors.Is(err, ErrNoBackup), "%v", err)
}

func TestRestoreSaltOnly(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)
	_, err := a.Backup(ctx, passphrase, Items{}, BackupOptions{})
	require.NoError(t, err)

	var c collector
	stats, err := a.Restore(ctx, passphrase, &c, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, RestoreStats{}, stats)
	assert.Empty(t, c.data)
}

func TestRestoreOrdered(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)

	msgs := []string{"zzz", "aaa", "mmm", "bbb", "yyy"}
	_, err := a.Backup(ctx, passphrase, makeItems(msgs...), BackupOptions{})
	require.NoError(t, err)

	var c collector
	_, err = a.Restore(ctx, passphrase, &c, RestoreOptions{Ordered: true})
	require.NoError(t, err)
	assert.Equal(t, msgs, c.data)
	for i, e := range c.entries {
		assert.Equal(t, i, e.Ordinal)
	}
}

func TestRestoreMissingObject(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	_, err := a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3"), BackupOptions{})
	require.NoError(t, err)
	lost := a.Namespace().ItemName(1, crypt.FingerprintBytes([]byte("m2")).String())
	store.Delete(lost)

	_, err = a.Restore(ctx, passphrase, &collector{}, RestoreOptions{})
	assert.True(t, errors.Is(err, ErrMissingObject), "%v", err)

	var c collector
	stats, err := a.Restore(ctx, passphrase, &c, RestoreOptions{OnError: SkipOnError})
	require.NoError(t, err)
	assert.Equal(t, RestoreStats{Entries: 3, Restored: 2, Failed: 1}, stats)
	assert.ElementsMatch(t, []string{"m1", "m3"}, c.data)
}

func TestRestoreSinkErrors(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)
	_, err := a.Backup(ctx, passphrase, makeItems("m1", "m2"), BackupOptions{})
	require.NoError(t, err)

	failed := fmt.Errorf("disk full")
	sink := SinkFunc(func(ctx context.Context, e Entry, data []byte) error {
		return failed
	})
	_, err = a.Restore(ctx, passphrase, sink, RestoreOptions{})
	assert.True(t, errors.Is(err, failed), "%v", err)

	stats, err := a.Restore(ctx, passphrase, sink, RestoreOptions{OnError: SkipOnError})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
}

type failingCloser struct{ collector }

func (f *failingCloser) Close() error {
	return fmt.Errorf("close failed")
}

func TestRestoreCloseError(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)
	_, err := a.Backup(ctx, passphrase, makeItems("m1"), BackupOptions{})
	require.NoError(t, err)

	f := &failingCloser{}
	_, err = a.Restore(ctx, passphrase, f, RestoreOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.Equal(t, []string{"m1"}, f.data)
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	a, store := newTestArchive(t)

	_, err := a.Backup(ctx, passphrase, makeItems("m1", "m2", "m3", "m4"), BackupOptions{})
	require.NoError(t, err)

	rep, err := a.Verify(ctx, passphrase, 2)
	require.NoError(t, err)
	assert.True(t, rep.Healthy(), rep.String())
	assert.Equal(t, 4, rep.OK)
	assert.True(t, rep.CheckedOrphans)
	assert.Empty(t, rep.Orphans)

	name := func(i int, m string) string {
		return a.Namespace().ItemName(i, crypt.FingerprintBytes([]byte(m)).String())
	}
	// Missing.
	store.Delete(name(0, "m1"))
	// Corrupt.
	blob, _, err := store.Get(ctx, name(1, "m2"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 1
	require.NoError(t, store.Put(ctx, name(1, "m2"), blob))
	// Authentic but under the wrong name.
	blob, _, err = store.Get(ctx, name(3, "m4"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, name(2, "m3"), blob))
	// Orphan left by an interrupted backup.
	orphan := name(9, "never recorded")
	require.NoError(t, store.Put(ctx, orphan, blob))

	rep, err = a.Verify(ctx, passphrase, 3)
	require.NoError(t, err)
	assert.False(t, rep.Healthy())
	assert.Equal(t, 4, rep.Entries)
	assert.Equal(t, 1, rep.OK)
	assert.Equal(t, []string{name(0, "m1")}, rep.Missing)
	assert.Equal(t, []string{name(1, "m2")}, rep.Corrupt)
	assert.Equal(t, []string{name(2, "m3")}, rep.Mismatched)
	assert.Equal(t, []string{orphan}, rep.Orphans)
}

func TestVerifyWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestArchive(t)
	_, err := a.Backup(ctx, passphrase, makeItems("m1", "m2"), BackupOptions{})
	require.NoError(t, err)

	rep, err := a.Verify(ctx, "wrong", 2)
	require.NoError(t, err)
	assert.Len(t, rep.Corrupt, 2)
}
