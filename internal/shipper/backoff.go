package shipper

import "time"

// Backoff grows a retry delay exponentially from Min, capped at Max.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and records the attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

// Reset forgets previous attempts.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of consecutive failed attempts.
func (b *Backoff) Attempts() int {
	return b.attempt
}
