package queue

import "time"

// Backoff is an exponential reconnect schedule capped at Max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 5 * time.Second, Multiplier: 2, Max: time.Minute}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
