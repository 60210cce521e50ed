package supervisor

import (
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential reconnect delays with equal jitter.
// go-resiliency's retrier covers the bounded in-cycle publish retries; the
// supervisor's reconnect loop is unbounded, so its schedule lives here.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the sleep before reconnect attempt retry (1-based): the
// capped exponential value halved, plus a random share of the other half.
func (b Backoff) Delay(retry uint32) time.Duration {
	d := b.Initial
	for i := uint32(1); i < retry; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}
	half := d / 2
	return half + rand.N(half+1)
}
