package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"positionbot/pkg/logx"
)

// Set POSITIONBOT_TEST_POSTGRES to a DSN of a disposable database to run these.
func openPostgresTestStore(t *testing.T) (Store, *fakeClock) {
	t.Helper()
	dsn := os.Getenv("POSITIONBOT_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("POSITIONBOT_TEST_POSTGRES not set")
	}
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, dsn)
	if err == nil {
		_, _ = conn.Exec(ctx, `DROP TABLE IF EXISTS deliveries, messages, user_wallets, wallets, users`)
		_ = conn.Close(ctx)
	}

	clock := newFakeClock()
	st, err := Open(ctx, Config{Driver: "postgres", DSN: dsn, MaxConns: 4}, logx.Nop(), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func TestPostgresDeliveryLifecycle(t *testing.T) {
	st, clock := openPostgresTestStore(t)
	ctx := context.Background()

	low, err := st.CreateMessage(ctx, Message{Content: "low", Priority: 1}, []int64{1, 2}, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	high, err := st.CreateMessage(ctx, Message{Content: "high", Priority: 2}, []int64{1}, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := st.ListSendable(ctx, 10)
	if err != nil || len(list) != 2 {
		t.Fatalf("list=%d err=%v", len(list), err)
	}
	if list[0].MessageID != high.ID || list[1].MessageID != low.ID {
		t.Fatalf("unexpected order %+v", list)
	}

	r, err := st.ReserveForSend(ctx, list[0])
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := st.ReserveForSend(ctx, list[0]); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second reserve: %v", err)
	}
	if err := st.RecordSuccess(ctx, r); err != nil {
		t.Fatalf("success: %v", err)
	}

	r2, err := st.ReserveForSend(ctx, list[1])
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := st.Release(ctx, r2); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := st.GetDelivery(ctx, low.ID, 2); d.Status != StatusPending || d.Attempts != 0 {
		t.Fatalf("released record %+v", d)
	}
	if r2, err = st.ReserveForSend(ctx, list[1]); err != nil || r2.Attempts != 1 {
		t.Fatalf("reserve after release: %+v %v", r2, err)
	}
	status, err := st.RecordFailure(ctx, r2, Failure{Error: "network error", NextAttemptAt: clock.Now().Add(time.Minute)})
	if err != nil || status != StatusPending {
		t.Fatalf("failure: %s %v", status, err)
	}

	clock.Advance(8 * 24 * time.Hour)
	n, err := st.DeleteOlderThan(ctx, clock.Now().Add(-7*24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("delete n=%d err=%v", n, err)
	}
	if _, err := st.GetDelivery(ctx, low.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cascade: %v", err)
	}
}

func TestPostgresSubscriptions(t *testing.T) {
	st, _ := openPostgresTestStore(t)
	ctx := context.Background()
	const w = "0x3333333333333333333333333333333333333333"

	if err := st.CreateUser(ctx, 42); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := st.CreateUser(ctx, 42); !errors.Is(err, ErrUserExists) {
		t.Fatalf("duplicate user: %v", err)
	}
	if err := st.AddSubscription(ctx, 42, w); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := st.AddSubscription(ctx, 42, w); !errors.Is(err, ErrSubscriptionExists) {
		t.Fatalf("duplicate: %v", err)
	}
	subs, err := st.ListSubscribers(ctx, w)
	if err != nil || len(subs) != 1 || subs[0] != 42 {
		t.Fatalf("subs=%v err=%v", subs, err)
	}
}
