// Package reconnect decides how long to wait between connection attempts and
// re-establishes tunnels that drop unexpectedly.
package reconnect

import (
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff with bounded jitter:
//
//	delay(n) = min(BaseDelay*2^(n-1) + jitter, MaxDelay)
//
// where jitter is drawn from [0, Jitter*BaseDelay*2^(n-1)).
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the maximum perturbation as a fraction of the unjittered delay.
	Jitter float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultPolicy returns the policy used when no settings are supplied.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// Delay returns the wait before attempt n (1-based). Values below 1 are
// treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d >= p.MaxDelay {
		return p.MaxDelay
	}

	if p.Jitter > 0 {
		d += time.Duration(p.random() * p.Jitter * float64(d))
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether attempt number n is still within budget.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

func (p Policy) random() float64 {
	if p.rand != nil {
		return p.rand()
	}
	return rand.Float64()
}
