// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"sync"
	"time"

	u "github.com/mmp/mbk/util"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting BlobStore

// RateLimited is a BlobStore that wraps another one and keeps the
// average rate of uploads at or below a maximum number of bytes per
// second. Before each Put, it computes how long the bytes sent since the
// last wait should have taken at the maximum rate; if less time than
// that has passed since the previous Put finished, it sleeps for the
// difference. The byte count is then reset.
//
// This is an average-rate limiter, not a token bucket: a single object
// is always sent at full speed, and the accounting starts over after
// every wait. Get and List are never throttled.
type RateLimited struct {
	store             BlobStore
	maxBytesPerSecond int64

	// Protects everything below; also serializes calls to Put.
	mu              sync.Mutex
	bytesSinceReset int64
	lastPut         time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	bytesPut int64
	nPuts    int
	waited   time.Duration
}

// NewRateLimited returns a BlobStore that forwards to store, limiting
// Put traffic to maxBytesPerSecond. A limit of zero or less disables
// throttling.
func NewRateLimited(store BlobStore, maxBytesPerSecond int64) *RateLimited {
	return newRateLimited(store, maxBytesPerSecond, time.Now, sleepContext)
}

func newRateLimited(store BlobStore, maxBytesPerSecond int64, now func() time.Time,
	sleep func(context.Context, time.Duration) error) *RateLimited {
	return &RateLimited{
		store:             store,
		maxBytesPerSecond: maxBytesPerSecond,
		lastPut:           now(),
		now:               now,
		sleep:             sleep,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RateLimited) String() string {
	if r.maxBytesPerSecond <= 0 {
		return r.store.String()
	}
	return r.store.String() + " @ " + u.FmtBytes(r.maxBytesPerSecond) + "/s"
}

func (r *RateLimited) Put(ctx context.Context, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxBytesPerSecond > 0 {
		elapsed := r.now().Sub(r.lastPut)
		required := time.Duration(float64(r.bytesSinceReset) /
			float64(r.maxBytesPerSecond) * float64(time.Second))
		if required > elapsed {
			wait := required - elapsed
			log.Debug("%s: waiting %s for upload rate limit", name, wait)
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
			r.waited += wait
		}
		r.bytesSinceReset = 0
	}

	if err := r.store.Put(ctx, name, data); err != nil {
		return err
	}

	r.bytesSinceReset += int64(len(data))
	r.lastPut = r.now()
	r.bytesPut += int64(len(data))
	r.nPuts++
	return nil
}

func (r *RateLimited) Get(ctx context.Context, name string) ([]byte, bool, error) {
	return r.store.Get(ctx, name)
}

func (r *RateLimited) List(ctx context.Context, prefix string) ([]string, error) {
	if l, ok := r.store.(Lister); ok {
		return l.List(ctx, prefix)
	}
	return nil, errNotLister(r.store)
}

// Waited returns the total time spent sleeping to honor the limit.
func (r *RateLimited) Waited() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waited
}

func (r *RateLimited) LogStats() {
	r.mu.Lock()
	if r.nPuts > 0 {
		log.Verbose("%s: put %s in %d objects, waited %s for rate limit",
			r.store, u.FmtBytes(r.bytesPut), r.nPuts, r.waited.Round(time.Millisecond))
	}
	r.mu.Unlock()
	LogStats(r.store)
}
