// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

///////////////////////////////////////////////////////////////////////////
// Progress

// Progress tracks a running count of items and bytes and periodically
// logs how much has been processed along with the rate at which it's
// happening, in bytes / second.
type Progress struct {
	Msg string
	Log *Logger

	mu            sync.Mutex
	start         time.Time
	reportCounter int64
	items, bytes  int64
	now           func() time.Time
}

const reportFrequency = 64 * 1024 * 1024

func NewProgress(log *Logger, msg string) *Progress {
	return &Progress{Msg: msg, Log: log, now: time.Now}
}

// Add records that one more item of n bytes has been processed.
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.start.IsZero() {
		p.start = p.clock()
		p.reportCounter = reportFrequency
	}

	p.items++
	p.bytes += n
	p.reportCounter -= n
	if p.reportCounter < 0 {
		p.report("")
		p.reportCounter += reportFrequency
	}
}

// Totals returns the number of items and bytes recorded so far.
func (p *Progress) Totals() (items, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items, p.bytes
}

// Done logs the final totals.
func (p *Progress) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.start.IsZero() {
		p.start = p.clock()
	}
	p.report("Finished. ")
}

func (p *Progress) clock() time.Time {
	if p.now == nil {
		return time.Now()
	}
	return p.now()
}

func (p *Progress) report(prefix string) {
	delta := p.clock().Sub(p.start)
	var bytesPerSec int64
	if delta > 0 {
		bytesPerSec = int64(float64(p.bytes) / delta.Seconds())
	}
	p.Log.Verbose("%s%s %d items, %s [%s/s]", prefix, p.Msg, p.items,
		FmtBytes(p.bytes), FmtBytes(bytesPerSec))
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	return units.BytesSize(float64(n))
}

// ParseRate parses a human-readable transfer rate like "10MB" or "1.5GiB"
// (per second) into a number of bytes per second. Units are binary, so
// "1KB" is 1024. An empty string or "0" means no limit and returns 0.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%q: invalid rate", s)
	}
	if n < 0 {
		return 0, errors.Errorf("%q: negative rate", s)
	}
	return n, nil
}
