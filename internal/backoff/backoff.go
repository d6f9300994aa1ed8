// Package backoff computes retry delays for failed deliveries.
package backoff

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultBase    = 5 * time.Second
	DefaultCeiling = 160 * time.Second
	DefaultJitter  = 0.1
)

// Policy maps an attempt number to the delay before the next attempt:
// min(Base * 2^(attempt-1), Ceiling), plus up to Jitter*delay of random slack.
//
// A Policy is safe for concurrent use.
type Policy struct {
	Base    time.Duration
	Ceiling time.Duration
	Jitter  float64

	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a policy with the given knobs. Zero base or ceiling fall back
// to the defaults; a negative jitter is treated as zero.
func New(base, ceiling time.Duration, jitter float64) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if ceiling < base {
		ceiling = base
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Policy{Base: base, Ceiling: ceiling, Jitter: jitter}
}

func Default() *Policy { return New(DefaultBase, DefaultCeiling, DefaultJitter) }

// WithRand swaps the jitter source, typically for a seeded generator in tests.
func (p *Policy) WithRand(r *rand.Rand) *Policy {
	p.mu.Lock()
	p.rng = r
	p.mu.Unlock()
	return p
}

// NextDelay returns the delay after the given attempt (1-based).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			break
		}
	}
	if d > p.Ceiling {
		d = p.Ceiling
	}

	if p.Jitter <= 0 {
		return d
	}
	span := int64(float64(d) * p.Jitter)
	if span <= 0 {
		return d
	}
	return d + time.Duration(p.int64n(span))
}

func (p *Policy) int64n(n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng != nil {
		return p.rng.Int64N(n)
	}
	return rand.Int64N(n)
}
