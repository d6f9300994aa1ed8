// Package ratelimit gates every outbound send behind one shared budget.
//
// A Limiter starts at most IntervalCap operations in any Interval window.
// Waiting work is ordered by priority, FIFO within a priority, and the
// number of operations running at once is capped separately.
package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"positionbot/pkg/logx"
)

const (
	LowPriority = 0
	TopPriority = 1000
)

// Operation is a unit of deferred work. Errors are the operation's own
// business; the limiter never inspects them.
type Operation func(ctx context.Context)

type Config struct {
	Interval    time.Duration
	IntervalCap int
	// Concurrency caps simultaneously running operations. Zero means IntervalCap.
	Concurrency int
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.IntervalCap <= 0 {
		c.IntervalCap = 30
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.IntervalCap
	}
	return c
}

// pace spreads intervalCap starts evenly over the interval. With burst 1 no
// window of length interval can hold more than intervalCap starts.
func pace(interval time.Duration, intervalCap int) rate.Limit {
	return rate.Every(interval / time.Duration(intervalCap))
}

type Limiter struct {
	log logx.Logger
	rl  *rate.Limiter
	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    itemHeap
	seq      uint64
	waiters  []chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}

	wake    chan struct{}
	running atomic.Int64
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Limiter {
	cfg = cfg.normalize()
	return &Limiter{
		log:  log,
		rl:   rate.NewLimiter(pace(cfg.Interval, cfg.IntervalCap), 1),
		sem:  semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake: make(chan struct{}, 1),
	}
}

// Schedule enqueues op and returns immediately. Nothing is dropped; work
// scheduled before Start runs once the limiter starts.
func (l *Limiter) Schedule(priority int, op Operation) {
	if op == nil {
		return
	}
	l.mu.Lock()
	l.seq++
	heap.Push(&l.queue, item{priority: priority, seq: l.seq, op: op})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of operations waiting for a slot.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Running is the number of operations currently executing.
func (l *Limiter) Running() int { return int(l.running.Load()) }

// Capacity estimates how many more operations could start within window:
// the tokens available now plus those refilled during window, minus what is
// already queued. It never returns less than zero.
func (l *Limiter) Capacity(window time.Duration) int {
	if window < 0 {
		window = 0
	}
	limit := l.rl.Limit()
	if limit == rate.Inf {
		return math.MaxInt32
	}
	n := int(math.Floor(l.rl.Tokens()+float64(limit)*window.Seconds())) - l.Pending()
	return max(n, 0)
}

// Apply changes the rate. The concurrency cap is fixed at construction.
func (l *Limiter) Apply(interval time.Duration, intervalCap int) {
	cfg := Config{Interval: interval, IntervalCap: intervalCap}.normalize()
	l.rl.SetLimit(pace(cfg.Interval, cfg.IntervalCap))
}

func (l *Limiter) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.loopDone = make(chan struct{})
	done := l.loopDone
	l.mu.Unlock()

	// Running operations outlive the loop so Stop can drain them.
	opCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		l.loop(loopCtx, opCtx)
	}()
}

// Stop halts dispatching and waits for running operations until ctx expires.
// Operations still queued are discarded.
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.loopDone
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		<-done
		l.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		if n := l.Pending(); n > 0 {
			l.log.Warn("limiter stopped with queued work", logx.Int("pending", n))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnIdle blocks until nothing is queued or running.
func (l *Limiter) OnIdle(ctx context.Context) error {
	l.mu.Lock()
	if l.idleLocked() {
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) idleLocked() bool {
	return l.queue.Len() == 0 && l.running.Load() == 0
}

func (l *Limiter) notifyIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.idleLocked() {
		return
	}
	for _, ch := range l.waiters {
		close(ch)
	}
	l.waiters = nil
}

func (l *Limiter) loop(ctx, opCtx context.Context) {
	for {
		if l.Pending() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
			continue
		}

		// Slot first, then token: the start time is the token time.
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		if err := l.rl.Wait(ctx); err != nil {
			l.sem.Release(1)
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				l.log.Error("limiter wait failed", logx.Err(err))
			}
			return
		}

		// Popped after waiting so late top-priority work overtakes.
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.mu.Unlock()
			l.sem.Release(1)
			continue
		}
		it := heap.Pop(&l.queue).(item)
		l.running.Add(1)
		l.wg.Add(1)
		l.mu.Unlock()

		go l.run(opCtx, it)
	}
}

func (l *Limiter) run(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("limited operation panicked", logx.Int("priority", it.priority), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		l.running.Add(-1)
		l.sem.Release(1)
		l.wg.Done()
		l.notifyIdle()
	}()
	it.op(ctx)
}
