package ratelimit

import "time"

// Clock yields seconds on a monotonic scale. Bucket timestamps are
// persisted in this unit.
type Clock interface {
	Now() float64
}

type monotonicClock struct {
	anchor time.Time
	base   float64
}

// NewMonotonicClock returns a clock that starts at the current Unix time and
// advances with the process monotonic clock, so wall clock adjustments made
// after startup never move bucket refill forwards or backwards.
func NewMonotonicClock() Clock {
	now := time.Now()
	return &monotonicClock{
		anchor: now,
		base:   float64(now.UnixNano()) / float64(time.Second),
	}
}

func (c *monotonicClock) Now() float64 {
	return c.base + time.Since(c.anchor).Seconds()
}
