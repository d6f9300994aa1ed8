package receipts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, ttl), mr
}

func TestRecordThenSeen(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t, time.Minute)
	ctx := context.Background()

	seen, err := c.Seen(ctx, "m1:42")
	if err != nil || seen {
		t.Fatalf("seen=%v err=%v before record", seen, err)
	}

	sentAt := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := c.Record(ctx, "m1:42", sentAt); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !mr.Exists("receipt:m1:42") {
		t.Fatalf("expected redis key receipt:m1:42")
	}
	if ttl := mr.TTL("receipt:m1:42"); ttl <= 0 {
		t.Fatalf("expected ttl, got %v", ttl)
	}

	seen, err = c.Seen(ctx, "m1:42")
	if err != nil || !seen {
		t.Fatalf("seen=%v err=%v after record", seen, err)
	}
	got, ok, err := c.SentAt(ctx, "m1:42")
	if err != nil || !ok || !got.Equal(sentAt) {
		t.Fatalf("SentAt=%v ok=%v err=%v", got, ok, err)
	}
}

func TestReceiptExpires(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t, time.Second)
	ctx := context.Background()

	if err := c.Record(ctx, "m2:1", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if seen, _ := c.Seen(ctx, "m2:1"); seen {
		t.Fatalf("receipt should have expired")
	}
	if _, ok, _ := c.SentAt(ctx, "m2:1"); ok {
		t.Fatalf("SentAt should report missing")
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	c, _ := newCache(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Record(ctx, "m3:1", time.Now()); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestDial(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = rdb.Close()

	if _, err := Dial(context.Background(), "://bad"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	if err := c.Record(context.Background(), "k", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if seen, err := c.Seen(context.Background(), "k"); seen || err != nil {
		t.Fatalf("nop should never see receipts")
	}
}
