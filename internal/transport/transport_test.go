package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"positionbot/internal/ratelimit"
	"positionbot/pkg/logx"
)

type inlineScheduler struct {
	mu         sync.Mutex
	priorities []int
}

func (s *inlineScheduler) Schedule(priority int, op ratelimit.Operation) {
	s.mu.Lock()
	s.priorities = append(s.priorities, priority)
	s.mu.Unlock()
	op(context.Background())
}

func TestErrorHelpers(t *testing.T) {
	base := errors.New("boom")

	if Permanent(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatalf("nil errors must stay nil")
	}

	p := fmt.Errorf("send: %w", Permanent(base))
	if !IsPermanent(p) || !errors.Is(p, base) {
		t.Fatalf("permanent wrapping lost: %v", p)
	}
	if IsPermanent(base) {
		t.Fatalf("plain error reported permanent")
	}

	r := fmt.Errorf("send: %w", RetryAfter(base, 3*time.Second))
	d, ok := RetryAfterHint(r)
	if !ok || d != 3*time.Second {
		t.Fatalf("unexpected hint %v,%v", d, ok)
	}
	if _, ok := RetryAfterHint(base); ok {
		t.Fatalf("plain error has hint")
	}
	if d, _ := RetryAfterHint(RetryAfter(base, -time.Second)); d != 0 {
		t.Fatalf("negative hint must clamp to zero, got %v", d)
	}
}

func TestQueueSendNow(t *testing.T) {
	var got []string
	sender := SenderFunc(func(ctx context.Context, id int64, text string, opt *SendOptions) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("send context has no deadline")
		}
		got = append(got, fmt.Sprintf("%d:%s", id, text))
		if text == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	sched := &inlineScheduler{}
	q := NewQueue(sender, sched, time.Second, logx.Nop())

	if err := q.SendNow(context.Background(), ratelimit.TopPriority, 7, "hi", nil); err != nil {
		t.Fatalf("send now: %v", err)
	}
	if err := q.SendNow(context.Background(), ratelimit.LowPriority, 7, "bad", nil); err == nil {
		t.Fatalf("expected error")
	}
	if len(got) != 2 || got[0] != "7:hi" {
		t.Fatalf("unexpected sends %v", got)
	}
	if sched.priorities[0] != ratelimit.TopPriority || sched.priorities[1] != ratelimit.LowPriority {
		t.Fatalf("unexpected priorities %v", sched.priorities)
	}
}

func TestQueueSendLogUsesTopPriority(t *testing.T) {
	var opts *SendOptions
	sender := SenderFunc(func(ctx context.Context, id int64, text string, opt *SendOptions) error {
		opts = opt
		return errors.New("offline")
	})
	sched := &inlineScheduler{}
	q := NewQueue(sender, sched, 0, logx.Nop())

	q.SendLog(99, "disk full")
	if len(sched.priorities) != 1 || sched.priorities[0] != ratelimit.TopPriority {
		t.Fatalf("unexpected priorities %v", sched.priorities)
	}
	if opts == nil || !opts.DisablePreview || opts.ParseMode != "" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestQueueSendNowContextCanceled(t *testing.T) {
	q := NewQueue(SenderFunc(func(context.Context, int64, string, *SendOptions) error { return nil }),
		schedulerFunc(func(int, ratelimit.Operation) {}), time.Second, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.SendNow(ctx, 0, 1, "x", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

type schedulerFunc func(int, ratelimit.Operation)

func (f schedulerFunc) Schedule(p int, op ratelimit.Operation) { f(p, op) }
