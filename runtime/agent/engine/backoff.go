package engine

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes the exponential-with-jitter retry delay from
// spec §4.5: base 1s, factor 2, cap 16s, jitter +/-20%. A Rand source is
// injected so tests can assert on deterministic sequences (spec §8's
// "fixed seeds on jitter" byte-identical-audit-log property).
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
	Rand   *rand.Rand
}

// DefaultBackoff matches the spec's literal defaults.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   time.Second,
		Factor: 2,
		Cap:    16 * time.Second,
		Jitter: 0.2,
		Rand:   rand.New(rand.NewSource(1)),
	}
}

// Delay returns the backoff delay for the given zero-based retry attempt
// (0 = first retry), applying the jitter last so the cap bounds the
// un-jittered value.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	capDur := b.Cap
	if capDur <= 0 {
		capDur = 16 * time.Second
	}

	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
	}
	capped := float64(capDur)
	if d > capped {
		d = capped
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.New(rand.NewSource(1))
		}
		// spread uniformly in [-jitter, +jitter]
		spread := (r.Float64()*2 - 1) * jitter
		d += d * spread
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
