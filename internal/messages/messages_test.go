package messages

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"positionbot/internal/accounts"
	"positionbot/internal/storage"
	"positionbot/pkg/logx"
)

const wallet = "0x4444444444444444444444444444444444444444"

func setup(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "messages.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, 3, logx.Nop()), st
}

func TestCreateFansOutToSubscribers(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()
	acc := accounts.New(st, logx.Nop())
	for _, id := range []int64{1, 2} {
		_ = acc.Register(ctx, id)
		if _, err := acc.AddWallet(ctx, id, wallet); err != nil {
			t.Fatalf("add wallet: %v", err)
		}
	}

	msg, err := svc.Create(ctx, "Position **out of range**.", "0x4444444444444444444444444444444444444444")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Priority != LowPriority {
		t.Fatalf("priority=%d want low", msg.Priority)
	}
	for _, id := range []int64{1, 2} {
		d, err := st.GetDelivery(ctx, msg.ID, id)
		if err != nil {
			t.Fatalf("delivery for %d: %v", id, err)
		}
		if d.Content != `Position *out of range*\.` {
			t.Fatalf("content not sanitized: %q", d.Content)
		}
		if d.MaxAttempts != 3 || d.Status != storage.StatusPending {
			t.Fatalf("unexpected delivery %+v", d)
		}
	}
}

func TestCreateWithoutSubscribers(t *testing.T) {
	svc, _ := setup(t)
	if _, err := svc.Create(context.Background(), "hi", wallet); !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("err=%v", err)
	}
	if _, err := svc.Create(context.Background(), "hi", "bogus"); !errors.Is(err, accounts.ErrInvalidAddress) {
		t.Fatalf("err=%v", err)
	}
}

func TestCreateForUserDefaults(t *testing.T) {
	svc, st := setup(t)
	ctx := context.Background()

	msg, err := svc.CreateForUser(ctx, "welcome", 77)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Priority != TopPriority {
		t.Fatalf("priority=%d want top", msg.Priority)
	}

	msg2, err := svc.CreateForUser(ctx, "summary", 77, WithPriority(3), WithMaxAttempts(9))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d, _ := st.GetDelivery(ctx, msg2.ID, 77)
	if d.Priority != 3 || d.MaxAttempts != 9 {
		t.Fatalf("options ignored: %+v", d)
	}
}
