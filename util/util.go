// Package util holds small helpers shared by the binaries and the job driver.
package util

import "time"

// SkipThrottler admits at most one event per period and drops the rest.
type SkipThrottler struct {
	d    time.Duration
	last time.Time
	now  func() time.Time
}

// NewSkipThrottler returns a throttler that admits its first event immediately.
func NewSkipThrottler(d time.Duration) *SkipThrottler {
	return &SkipThrottler{d: d, now: time.Now}
}

// Ok reports whether an event happening now is admitted.
func (tt *SkipThrottler) Ok() bool {
	now := tt.now()
	if !tt.last.IsZero() && now.Before(tt.last.Add(tt.d)) {
		return false
	}
	tt.last = now
	return true
}
