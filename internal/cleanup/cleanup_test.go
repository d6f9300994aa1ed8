package cleanup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"positionbot/internal/eventbus"
	"positionbot/internal/storage"
	"positionbot/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestExecuteDeletesOnlyExpiredMessages(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "cleanup.db"),
	}, logx.Nop(), storage.WithClock(c.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	old, err := st.CreateMessage(ctx, storage.Message{Content: "old"}, []int64{1, 2}, 5)
	if err != nil {
		t.Fatalf("create old: %v", err)
	}
	c.Advance(5 * 24 * time.Hour)
	recent, err := st.CreateMessage(ctx, storage.Message{Content: "recent"}, []int64{1}, 5)
	if err != nil {
		t.Fatalf("create recent: %v", err)
	}
	// Now the first message is 8 days old and the second 3 days old.
	c.Advance(3 * 24 * time.Hour)

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	p := New(st, 0, bus, logx.Nop()).WithClock(c.Now)
	if p.Retention() != DefaultRetention {
		t.Fatalf("unexpected default retention %v", p.Retention())
	}
	if err := p.Execute(ctx); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := st.GetDelivery(ctx, old.ID, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old delivery should be gone, got %v", err)
	}
	if _, err := st.GetDelivery(ctx, old.ID, 2); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old delivery should be gone, got %v", err)
	}
	if _, err := st.GetDelivery(ctx, recent.ID, 1); err != nil {
		t.Fatalf("recent delivery should remain: %v", err)
	}

	select {
	case ev := <-events:
		rep, ok := ev.Data.(eventbus.CleanupReport)
		if ev.Type != eventbus.CleanupFinished || !ok || rep.Deleted != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
		if want := c.Now().Add(-DefaultRetention); !rep.Before.Equal(want) {
			t.Fatalf("cutoff: got %v want %v", rep.Before, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cleanup event")
	}
}

type failingStore struct{}

func (failingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestExecuteReportsStoreError(t *testing.T) {
	p := New(failingStore{}, time.Hour, nil, logx.Nop())
	if err := p.Execute(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}
