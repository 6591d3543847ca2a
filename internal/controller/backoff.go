package controller

import "time"

// backoff is the reconnect delay policy: the delay doubles after each
// consecutive failure starting from the base interval, capped at the
// ceiling, and resets to the base on a successful connection.
type backoff struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
}

func newBackoff(base, ceiling time.Duration) *backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	return &backoff{base: base, ceiling: ceiling, current: base}
}

// Next returns the delay before the upcoming attempt and advances the
// sequence.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

// Reset restores the base delay after a successful connection.
func (b *backoff) Reset() {
	b.current = b.base
}
