package poller

import "time"

// backoff tracks the retry delay for a failing poll transport. Delays grow
// exponentially from initial to max and reset to initial after a
// successful poll (empty or not).
type backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64

	current time.Duration
}

func newBackoff(initial, max time.Duration, multiplier float64) *backoff {
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &backoff{initial: initial, max: max, multiplier: multiplier}
}

// next returns the delay to sleep before the upcoming retry and advances
// the internal state.
func (b *backoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}
	d := time.Duration(float64(b.current) * b.multiplier)
	if d > b.max {
		d = b.max
	}
	b.current = d
	return d
}

func (b *backoff) reset() {
	b.current = 0
}
