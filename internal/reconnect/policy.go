// Package reconnect decides whether and when a dropped stream is reopened.
package reconnect

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultBaseDelay is the delay before the first reconnect.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxAttempts is the hard cap on consecutive reconnects. Larger
	// values are clamped to it.
	DefaultMaxAttempts = 3
	// Multiplier is the growth factor between consecutive delays.
	Multiplier = 2.0
)

// Policy is a pure reconnect schedule. Attempts are 1-based: Next(1) is the
// delay before the first reconnect.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// Default returns the standard policy: 500ms, 1s, 2s, then give up.
func Default() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxAttempts <= 0 || p.MaxAttempts > DefaultMaxAttempts {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// maxDelay bounds every delay. It stays well below math.MaxInt64 so the
// float arithmetic inside the backoff cannot wrap.
const maxDelay = time.Duration(math.MaxInt64 / 4)

// maxInterval is the last delay of the schedule, saturating at maxDelay.
func (p Policy) maxInterval() time.Duration {
	d := min(p.BaseDelay, maxDelay)
	for i := 1; i < p.MaxAttempts; i++ {
		if d > maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return d
}

// Next returns the delay before reconnect attempt n, or false once the
// attempts are exhausted. Equal inputs always give equal outputs.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		return 0, false
	}
	b := p.BackOff()
	delay := backoff.Stop
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return 0, false
		}
	}
	return delay, true
}

// BackOff returns a fresh backoff.BackOff following the policy. There is no
// jitter and no elapsed-time limit, so delays strictly increase until the
// retry cap stops it.
func (p Policy) BackOff() backoff.BackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = Multiplier
	b.MaxInterval = p.maxInterval()
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}

// Delays lists every delay the policy allows, in order.
func (p Policy) Delays() []time.Duration {
	var out []time.Duration
	for n := 1; ; n++ {
		d, ok := p.Next(n)
		if !ok {
			return out
		}
		out = append(out, d)
	}
}
