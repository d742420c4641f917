// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// Cached is a BlobStore that keeps the most recently used objects in
// memory so that repeated Gets of the same object, as happen when a
// mounted archive is browsed, don't go back to the underlying store.
type Cached struct {
	store        BlobStore
	cache        *lru.Cache
	hits, misses int64
}

// NewCached returns a BlobStore that caches up to size objects from
// store.
func NewCached(store BlobStore, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{store: store, cache: c}, nil
}

func (c *Cached) String() string {
	return fmt.Sprintf("cached %s", c.store)
}

func (c *Cached) Put(ctx context.Context, name string, data []byte) error {
	c.cache.Remove(name)
	if err := c.store.Put(ctx, name, data); err != nil {
		return err
	}
	c.cache.Add(name, dupe(data))
	return nil
}

func (c *Cached) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if v, ok := c.cache.Get(name); ok {
		atomic.AddInt64(&c.hits, 1)
		return dupe(v.([]byte)), true, nil
	}
	atomic.AddInt64(&c.misses, 1)

	b, found, err := c.store.Get(ctx, name)
	if err != nil || !found {
		return b, found, err
	}
	c.cache.Add(name, dupe(b))
	return b, true, nil
}

func (c *Cached) List(ctx context.Context, prefix string) ([]string, error) {
	if l, ok := c.store.(Lister); ok {
		return l.List(ctx, prefix)
	}
	return nil, errNotLister(c.store)
}

func (c *Cached) LogStats() {
	log.Verbose("%s: %d cache hits, %d misses", c.store,
		atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses))
	LogStats(c.store)
}
