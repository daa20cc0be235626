// Package backoff computes reconnect delays.
//
// The policy is a pure function of the attempt count:
//
//	delay(n) = min(Base * 2^n, Max)
//
// Jitter is off by default. When enabled, each delay is scaled by a uniform
// factor in [1-Jitter, 1+Jitter] and then capped at Max again.
package backoff

import (
	"math/rand"
	"time"
)

// Default values used by the reconnect path.
const (
	DefaultBase = 5 * time.Second
	DefaultMax  = 20 * time.Second
)

// Policy describes exponential backoff with a cap.
type Policy struct {
	Base   time.Duration // Delay for attempt 0
	Max    time.Duration // Upper bound for any delay
	Jitter float64       // Fraction in [0, 1); 0 disables jitter
}

// DefaultPolicy returns the 5s/20s policy without jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base: DefaultBase,
		Max:  DefaultMax,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}

	d := p.Base
	for i := 0; i < attempt; i++ {
		if p.Max > 0 && d >= p.Max {
			break
		}
		// Stop doubling before overflow.
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter > 0 {
		d = p.jitter(d)
	}
	return d
}

// jitter scales d by a random factor in [1-Jitter, 1+Jitter].
func (p Policy) jitter(d time.Duration) time.Duration {
	j := p.Jitter
	if j >= 1 {
		j = 0.99
	}
	factor := 1 - j + rand.Float64()*2*j
	out := time.Duration(float64(d) * factor)
	if p.Max > 0 && out > p.Max {
		out = p.Max
	}
	if out < 0 {
		out = 0
	}
	return out
}
