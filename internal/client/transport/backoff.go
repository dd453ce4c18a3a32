package transport

import (
	"math"
	"time"
)

// Backoff spaces reconnect attempts. The n-th consecutive failure waits
// Initial*Factor^n, capped at Max, spread by up to ±Jitter of itself.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
	Jitter  float64
}

// DefaultBackoff returns 1s doubling to 30s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Factor:  2,
		Max:     30 * time.Second,
		Jitter:  0.2,
	}
}

// Delay returns the wait before retry attempt (0-based). r must be in [0,1);
// 0.5 yields the unjittered delay.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Initial) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*r - 1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
