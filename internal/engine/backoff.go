package engine

import (
	"math/rand"
	"time"

	"wg-tunnel-engine/internal/core"
)

// Backoff produces the delay before each retry attempt: exponential growth
// from Initial up to Ceiling, plus uniform random jitter so a fleet of
// clients does not reconnect in lockstep.
type Backoff struct {
	initial time.Duration
	ceiling time.Duration
	jitter  time.Duration
	attempt int
}

func NewBackoff(cfg core.BackoffConfig) *Backoff {
	return &Backoff{
		initial: core.Duration(cfg.Initial, time.Second),
		ceiling: core.Duration(cfg.Ceiling, 30*time.Second),
		jitter:  core.Duration(cfg.Jitter, 500*time.Millisecond),
	}
}

// Next returns the delay for the upcoming retry and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.initial << b.attempt
	if d > b.ceiling || d < b.initial {
		d = b.ceiling
	} else {
		b.attempt++
	}
	if b.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(b.jitter)))
	}
	return d
}

// Reset rewinds the schedule to the initial delay. Called on a fresh user
// Connect and on reaching Connected.
func (b *Backoff) Reset() {
	b.attempt = 0
}
