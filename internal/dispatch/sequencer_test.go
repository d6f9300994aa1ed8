package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSequencerSerializesPerRecipient(t *testing.T) {
	s := newSequencer(0, time.Now)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), 1, func() {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
			})
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("expected one send at a time, saw %d", maxActive.Load())
	}
	if s.size() != 0 {
		t.Fatalf("idle entries must be removed, have %d", s.size())
	}
}

func TestSequencerGapOnlyAppliesToSameRecipient(t *testing.T) {
	s := newSequencer(80*time.Millisecond, time.Now)
	ctx := context.Background()

	_ = s.Do(ctx, 1, func() {})

	start := time.Now()
	_ = s.Do(ctx, 2, func() {})
	if el := time.Since(start); el > 50*time.Millisecond {
		t.Fatalf("other recipient waited %v", el)
	}

	_ = s.Do(ctx, 1, func() {})
	if el := time.Since(start); el < 70*time.Millisecond {
		t.Fatalf("same recipient waited only %v", el)
	}
}

func TestSequencerDropsEntryAfterGap(t *testing.T) {
	s := newSequencer(20*time.Millisecond, time.Now)
	_ = s.Do(context.Background(), 1, func() {})

	deadline := time.Now().Add(time.Second)
	for s.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entry still present after gap")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSequencerCanceledWhileWaiting(t *testing.T) {
	s := newSequencer(time.Hour, time.Now)
	_ = s.Do(context.Background(), 1, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	if err := s.Do(ctx, 1, func() { ran = true }); err == nil {
		t.Fatalf("expected context error")
	}
	if ran {
		t.Fatalf("fn must not run after cancellation")
	}
}
