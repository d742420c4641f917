// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock only advances when the rate limiter sleeps or the test says
// so.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestLimiter(max int64) (*RateLimited, *Memory, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMemory()
	return newRateLimited(m, max, clock.now, clock.sleep), m, clock
}

func TestRateLimitBound(t *testing.T) {
	ctx := context.Background()
	const rate = 1000
	r, m, clock := newTestLimiter(rate)
	start := clock.now()

	sizes := []int{2000, 500, 1500, 1000, 3000}
	total := 0
	for i, s := range sizes {
		require.NoError(t, r.Put(ctx, string(rune('a'+i)), make([]byte, s)))
		total += s
	}
	assert.Equal(t, len(sizes), m.Puts())

	// Everything but the last object's bytes must have been paid for.
	minimum := time.Duration(total-sizes[len(sizes)-1]) * time.Second / rate
	elapsed := clock.now().Sub(start)
	assert.True(t, elapsed >= minimum, "elapsed %s < %s", elapsed, minimum)
	assert.Equal(t, minimum, r.Waited())

	// First put never waits; each later one waits for its predecessor.
	assert.Equal(t, []time.Duration{2 * time.Second, 500 * time.Millisecond,
		1500 * time.Millisecond, time.Second}, clock.sleeps)
}

func TestRateLimitElapsedCredit(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestLimiter(1000)

	require.NoError(t, r.Put(ctx, "a", make([]byte, 1000)))
	// Time spent elsewhere counts toward the wait.
	clock.t = clock.t.Add(600 * time.Millisecond)
	require.NoError(t, r.Put(ctx, "b", make([]byte, 10)))
	assert.Equal(t, []time.Duration{400 * time.Millisecond}, clock.sleeps)

	// Enough time has passed; no waiting at all.
	clock.t = clock.t.Add(time.Second)
	require.NoError(t, r.Put(ctx, "c", make([]byte, 10)))
	assert.Len(t, clock.sleeps, 1)
}

func TestRateLimitUnlimited(t *testing.T) {
	ctx := context.Background()
	for _, max := range []int64{0, -1} {
		r, m, clock := newTestLimiter(max)
		for i := 0; i < 10; i++ {
			require.NoError(t, r.Put(ctx, "x", make([]byte, 1<<20)))
		}
		assert.Empty(t, clock.sleeps)
		assert.Equal(t, 10, m.Puts())
	}
}

func TestRateLimitReadsNotThrottled(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestLimiter(1)
	require.NoError(t, r.Put(ctx, "big", make([]byte, 1<<20)))
	for i := 0; i < 5; i++ {
		b, found, err := r.Get(ctx, "big")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Len(t, b, 1<<20)
	}
	names, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, names)
	assert.Empty(t, clock.sleeps)
}

func TestRateLimitFailedPutNotCounted(t *testing.T) {
	ctx := context.Background()
	r, m, clock := newTestLimiter(1000)

	m.FailPuts(func(string) error { return errors.New("nope") })
	assert.Error(t, r.Put(ctx, "a", make([]byte, 5000)))
	m.FailPuts(nil)

	require.NoError(t, r.Put(ctx, "b", make([]byte, 10)))
	assert.Empty(t, clock.sleeps)
}

func TestRateLimitCancel(t *testing.T) {
	r := NewRateLimited(NewMemory(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Put(ctx, "a", make([]byte, 1000)))

	done := make(chan error)
	go func() { done <- r.Put(ctx, "b", []byte("x")) }()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled put didn't return")
	}
}
