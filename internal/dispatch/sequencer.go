package dispatch

import (
	"context"
	"sync"
	"time"
)

// sequencer serializes sends per recipient and keeps a minimum gap between
// two sends to the same recipient. Idle entries are dropped.
type sequencer struct {
	gap time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[int64]*seqEntry
}

type seqEntry struct {
	lock chan struct{} // capacity 1; holding the token means holding the recipient
	last time.Time // guarded by sequencer.mu
	refs int
}

func newSequencer(gap time.Duration, now func() time.Time) *sequencer {
	if now == nil {
		now = time.Now
	}
	return &sequencer{gap: gap, now: now, entries: map[int64]*seqEntry{}}
}

// Do runs fn once no other send to recipient is running and the gap since
// the previous one has elapsed. It returns ctx.Err() without running fn when
// ctx ends first.
func (s *sequencer) Do(ctx context.Context, recipient int64, fn func()) error {
	s.mu.Lock()
	e := s.entries[recipient]
	if e == nil {
		e = &seqEntry{lock: make(chan struct{}, 1)}
		s.entries[recipient] = e
	}
	e.refs++
	s.mu.Unlock()
	defer s.release(recipient, e)

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.lock }()

	s.mu.Lock()
	last := e.last
	s.mu.Unlock()
	if !last.IsZero() && s.gap > 0 {
		if wait := s.gap - s.now().Sub(last); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
	}
	fn()
	s.mu.Lock()
	e.last = s.now()
	s.mu.Unlock()
	return nil
}

func (s *sequencer) release(recipient int64, e *seqEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	// Keep the entry while its gap is still running so the next send waits.
	if s.gap > 0 && !e.last.IsZero() && s.now().Sub(e.last) < s.gap {
		time.AfterFunc(s.gap, func() { s.gc(recipient, e) })
		return
	}
	delete(s.entries, recipient)
}

func (s *sequencer) gc(recipient int64, e *seqEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.refs == 0 && s.entries[recipient] == e {
		delete(s.entries, recipient)
	}
}

func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
