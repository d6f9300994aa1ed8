package backoff

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestNextDelayExactWithoutJitter(t *testing.T) {
	p := New(time.Minute, time.Hour, 0)
	want := []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		time.Hour,
		time.Hour,
	}
	for i, w := range want {
		if got := p.NextDelay(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	p := New(DefaultBase, DefaultCeiling, 0)
	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := p.NextDelay(n)
		if d < prev {
			t.Fatalf("attempt %d: %s < previous %s", n, d, prev)
		}
		if d > DefaultCeiling {
			t.Fatalf("attempt %d: %s exceeds ceiling", n, d)
		}
		prev = d
	}
}

func TestNextDelayClampsAttempt(t *testing.T) {
	p := New(5*time.Second, time.Minute, 0)
	for _, n := range []int{-3, 0, 1} {
		if got := p.NextDelay(n); got != 5*time.Second {
			t.Fatalf("attempt %d: got %s", n, got)
		}
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := New(10*time.Second, time.Minute, 0.1).WithRand(rand.New(rand.NewPCG(1, 2)))
	for i := 0; i < 200; i++ {
		d := p.NextDelay(2)
		if d < 20*time.Second || d >= 22*time.Second {
			t.Fatalf("jittered delay %s outside [20s, 22s)", d)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	p := New(0, 0, -1)
	if p.Base != DefaultBase || p.Ceiling != DefaultCeiling || p.Jitter != 0 {
		t.Fatalf("unexpected policy %+v", p)
	}
}
