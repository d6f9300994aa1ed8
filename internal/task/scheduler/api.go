package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"positionbot/pkg/logx"
)

// AddSchedule registers job under name, replacing any schedule with the same
// name. A trigger is skipped while the previous run is still in flight.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "* * * * * *" (with seconds), "@hourly", "@every 55m"
//   - Interval duration: "30s", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Registered with cron on Start.
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		return err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	removed := n < len(s.defs)
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.trigger(d) })

	// Interval schedules get a random first-run delay so they do not all
	// fire together right after start.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, spread := intervalScheduleWithSpread(dur, time.Now().In(loc), d.name)
			d.startupSpread = spread
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) trigger(d *scheduleDef) {
	sup := s.sup.Load()
	if sup == nil || sup.Context().Err() != nil {
		return
	}

	if d.opt.Overlap == OverlapSkipIfRunning {
		if !d.state.tryAcquire() {
			d.skipped.Add(1)
			s.log.Debug("schedule trigger skipped; previous run still in flight", logx.String("schedule", d.name))
			return
		}
	} else {
		d.state.acquire()
	}

	sup.Go0("schedule."+d.name, func(ctx context.Context) {
		defer d.state.release()
		s.run(ctx, d)
	})
}

func (s *Service) run(ctx context.Context, d *scheduleDef) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)

	item := HistoryItem{Name: d.name, Started: start, Duration: took}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("scheduled run failed", logx.String("schedule", d.name), logx.Duration("took", took), logx.Err(err))
	}
	s.record(item)
}

func (s *Service) record(it HistoryItem) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - size; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// previewNextRunsLocked lists the next n run times of spec, only when debug
// logging is on. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
