// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package archive

import (
	"context"
	"fmt"

	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
)

// FailurePolicy determines what Restore does when an item can't be
// fetched, decrypted, or delivered.
type FailurePolicy int

const (
	// AbortOnError stops the restore at the first failure.
	AbortOnError FailurePolicy = iota
	// SkipOnError logs the failure, counts it, and continues.
	SkipOnError
)

func (p FailurePolicy) String() string {
	switch p {
	case AbortOnError:
		return "abort"
	case SkipOnError:
		return "skip"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

type RestoreOptions struct {
	OnError FailurePolicy
	// Deliver items in the order they were originally backed up rather
	// than in manifest order.
	Ordered bool
}

type RestoreStats struct {
	Entries, Restored, Failed int
}

func (s RestoreStats) String() string {
	return fmt.Sprintf("%d of %d items restored, %d failed", s.Restored, s.Entries,
		s.Failed)
}

// Restore fetches, decrypts, and delivers every archived item to sink.
// It returns ErrNoBackup if the account has never been backed up.
func (a *Archive) Restore(ctx context.Context, passphrase string, sink Sink,
	opts RestoreOptions) (stats RestoreStats, err error) {
	defer func() {
		if cerr := closeIfCloser(sink); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing sink")
		}
	}()

	r, err := a.OpenReader(ctx, passphrase)
	if err != nil {
		return stats, err
	}

	entries := r.Entries(opts.Ordered)
	stats.Entries = len(entries)
	progress := u.NewProgress(a.log, a.ns.String()+": restored")

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, err := r.Read(ctx, e)
		if err == nil {
			err = errors.Wrapf(sink.Append(ctx, e, data), "delivering %s", e.Object)
		}
		if err != nil {
			if opts.OnError == AbortOnError {
				return stats, err
			}
			a.log.Error("%s: %s", a, err)
			stats.Failed++
			continue
		}

		stats.Restored++
		progress.Add(int64(len(data)))
	}
	if stats.Restored > 0 {
		progress.Done()
	}

	a.log.Verbose("%s: %s", a, stats)
	return stats, nil
}
