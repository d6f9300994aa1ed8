// Package eventbus fans delivery outcomes out to in-process observers.
//
// Publish never blocks: each subscriber owns a buffered channel and a slow
// subscriber loses events instead of stalling the dispatcher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher and the cleanup job.
const (
	DeliverySent    = "delivery.sent"
	DeliveryRetry   = "delivery.retry"
	DeliveryFailed  = "delivery.failed"
	DeliverySkipped = "delivery.skipped"
	CleanupFinished = "cleanup.finished"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// DeliveryOutcome is the payload of every delivery.* event.
type DeliveryOutcome struct {
	DeliveryID  string
	MessageID   string
	RecipientID int64
	Attempts    int
	NextAttempt time.Time
	Err         string
}

// CleanupReport is the payload of cleanup.finished.
type CleanupReport struct {
	Deleted int64
	Before  time.Time
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

// Dropped counts events discarded because a subscriber buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
