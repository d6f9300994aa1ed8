package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"positionbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "* * * * * *", kind: SpecCron, cron: "* * * * * *"},
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron: 0 3 * * *", kind: SpecCron, cron: "0 3 * * *"},
		{in: "30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{in: "00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "every: 02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "interval:1m", kind: SpecInterval, every: time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %+v", tc.in, ps)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Cron != tc.cron || ps.Every != tc.every {
			t.Fatalf("%q: got %+v", tc.in, ps)
		}
	}
}

func TestAddScheduleValidates(t *testing.T) {
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("", "* * * * * *", 0, job); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := s.AddSchedule("x", "* * *", 0, job); err == nil {
		t.Fatalf("expected error for malformed cron")
	}
	if err := s.AddSchedule("x", "* * * * * *", 0, nil); err == nil {
		t.Fatalf("expected error for nil job")
	}
	if err := s.AddSchedule("x", "* * * * * *", 0, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Same name replaces.
	if err := s.AddSchedule("x", "@hourly", 0, job); err != nil {
		t.Fatalf("replace: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@hourly" {
		t.Fatalf("unexpected schedules %+v", snap.Schedules)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatalf("remove should succeed once")
	}
}

func TestSkipIfRunning(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var runs atomic.Int32
	release := make(chan struct{})
	err := s.AddSchedule("slow", "* * * * * *", 0, func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(2500 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly 1 run, got %d", got)
	}
	snap := s.Snapshot()
	if snap.Running || len(snap.Schedules) != 1 || snap.Schedules[0].Skipped == 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRunTimeoutAndHistory(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	done := make(chan error, 1)
	err := s.AddSchedule("bounded", "* * * * * *", 50*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case done <- ctx.Err():
		default:
		}
		return errors.New("gave up")
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job never ran")
	}

	deadline := time.Now().Add(time.Second)
	for {
		hist := s.Snapshot().History
		if len(hist) > 0 {
			if hist[0].Name != "bounded" || hist[0].Error != "gave up" {
				t.Fatalf("unexpected history %+v", hist[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no history recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if tz := s.Snapshot().Timezone; tz != "UTC" {
		t.Fatalf("unexpected timezone %q", tz)
	}
}

func TestIntervalSpread(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sched, spread := intervalScheduleWithSpread(time.Minute, now, "dispatch")
	if spread < 0 || spread >= 30*time.Second {
		t.Fatalf("spread out of range: %v", spread)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + spread); !first.Equal(want) {
		t.Fatalf("first run %v, want %v", first, want)
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("later runs must follow the interval, got %v", gap)
	}
}
