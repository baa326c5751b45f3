package rehydration

import "time"

// DefaultMaxBackoff is the default reconnect backoff cap (spec.md §4.2
// and §9 open question #1: the cap is deliberately made configurable,
// defaulting to the 32s observed in the original implementation).
const DefaultMaxBackoff = 32 * time.Second

const initialBackoff = 1 * time.Second

// backoff produces a clamped exponential sequence of reconnect delays:
// 1s, 2s, 4s, ... capped at max. It is the Go analog of
// mz_ore::retry::Retry::default().clamp_backoff(max).
type backoff struct {
	max     time.Duration
	current time.Duration
}

func newBackoff(max time.Duration) *backoff {
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	return &backoff{max: max}
}

// next returns the next delay and advances the sequence.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = initialBackoff
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return b.current
}

// reset restarts the sequence from the beginning, called after a
// successful reconnect so the next failure starts backing off from
// scratch.
func (b *backoff) reset() { b.current = 0 }
