package realtime

import (
	"sync"
	"time"
)

// Backoff computes reconnect delays: the delay doubles on each consecutive
// failure up to a ceiling and resets to the base on success.
type Backoff struct {
	minDelay time.Duration
	maxDelay time.Duration
	current  time.Duration
	attempts int
	mu       sync.Mutex
}

// NewBackoff creates a Backoff starting at min and capped at max.
func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{
		minDelay: min,
		maxDelay: max,
		current:  min,
	}
}

// Next returns the delay to wait before the next attempt and advances
// the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	wait := b.current

	b.current *= 2
	if b.current > b.maxDelay {
		b.current = b.maxDelay
	}

	return wait
}

// Reset restores the base delay after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

// Attempts returns the number of consecutive failures so far.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
