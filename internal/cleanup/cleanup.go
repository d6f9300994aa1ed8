// Package cleanup prunes messages past their retention window.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"positionbot/internal/eventbus"
	"positionbot/pkg/logx"
)

const DefaultRetention = 7 * 24 * time.Hour

// Store is the slice of storage.DeliveryStore the job needs.
type Store interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Policy struct {
	store     Store
	retention time.Duration
	bus       eventbus.Bus
	now       func() time.Time
	log       logx.Logger
}

func New(store Store, retention time.Duration, bus eventbus.Bus, log logx.Logger) *Policy {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Policy{store: store, retention: retention, bus: bus, now: time.Now, log: log}
}

// WithClock replaces the clock used to compute the cutoff.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	if now != nil {
		p.now = now
	}
	return p
}

func (p *Policy) Retention() time.Duration { return p.retention }

// Execute deletes every message created before now minus the retention,
// together with its delivery records, whatever their status.
func (p *Policy) Execute(ctx context.Context) error {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("cleanup failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return fmt.Errorf("cleanup: %w", err)
	}
	p.log.Info("cleanup finished", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{
			Type: eventbus.CleanupFinished,
			Time: p.now(),
			Data: eventbus.CleanupReport{Deleted: n, Before: cutoff},
		})
	}
	return nil
}
