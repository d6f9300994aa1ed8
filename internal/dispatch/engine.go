// Package dispatch moves due delivery records from the store to the
// messaging platform.
//
// A cycle lists sendable records, reserves each one with a conditional
// update and hands the reserved ones to the shared rate limiter. The send
// itself and the resulting state transition run later, inside the limiter.
// Overlapping cycles are refused; the store's conditional updates keep
// concurrent reservations of one record to a single winner.
//
// A cycle reserves no more than the limiter can start within the send
// lease. Reservations that still never reach the platform are released
// with their attempt refunded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"positionbot/internal/backoff"
	"positionbot/internal/eventbus"
	"positionbot/internal/markup"
	"positionbot/internal/ratelimit"
	"positionbot/internal/receipts"
	"positionbot/internal/storage"
	"positionbot/internal/transport"
	"positionbot/pkg/logx"
)

const (
	DefaultBatchSize            = 30
	DefaultSendLease            = 5 * time.Minute
	DefaultSendTimeout          = 10 * time.Second
	DefaultPerRecipientInterval = time.Second
	DefaultStoreTimeout         = 5 * time.Second
)

type Config struct {
	BatchSize int
	// SendLease bounds how long a record may stay SENDING. Older reservations
	// are released at the start of each cycle. Negative disables the sweep.
	SendLease   time.Duration
	SendTimeout time.Duration
	// PerRecipientInterval is the minimum gap between two sends to one
	// recipient. Negative disables it.
	PerRecipientInterval time.Duration
	StoreTimeout         time.Duration
}

func (c Config) normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SendLease == 0 {
		c.SendLease = DefaultSendLease
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendLease > 0 && c.SendLease < 2*c.SendTimeout {
		c.SendLease = 2 * c.SendTimeout
	}
	switch {
	case c.PerRecipientInterval == 0:
		c.PerRecipientInterval = DefaultPerRecipientInterval
	case c.PerRecipientInterval < 0:
		c.PerRecipientInterval = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

// Scheduler is the part of the rate limiter the engine needs.
type Scheduler interface {
	Schedule(priority int, op ratelimit.Operation)
	// Capacity estimates how many more operations could start within window.
	Capacity(window time.Duration) int
}

type Option func(*Engine)

func WithReceipts(c receipts.Cache) Option {
	return func(e *Engine) {
		if c != nil {
			e.receipts = c
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

func WithBackoff(p *backoff.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.backoff = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Engine struct {
	cfg      Config
	store    storage.DeliveryStore
	sched    Scheduler
	sender   transport.Sender
	receipts receipts.Cache
	bus      eventbus.Bus
	backoff  *backoff.Policy
	now      func() time.Time
	log      logx.Logger

	seq       *sequencer
	batchSize atomic.Int64
	running   atomic.Bool
	sendOpts  transport.SendOptions

	// queued holds reservations handed to the limiter whose operation has
	// not started yet, by delivery key.
	qmu     sync.Mutex
	queued  map[string]queuedOp
	tickets uint64
}

type queuedOp struct {
	d      storage.Delivery
	ticket uint64
}

func New(cfg Config, store storage.DeliveryStore, sched Scheduler, sender transport.Sender, log logx.Logger, opts ...Option) *Engine {
	cfg = cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		sched:    sched,
		sender:   sender,
		receipts: receipts.Nop{},
		backoff:  backoff.Default(),
		now:      time.Now,
		log:      log,
		sendOpts: transport.SendOptions{ParseMode: markup.ParseMode, DisablePreview: true},
		queued:   make(map[string]queuedOp),
	}
	for _, o := range opts {
		o(e)
	}
	e.seq = newSequencer(cfg.PerRecipientInterval, e.now)
	e.batchSize.Store(int64(cfg.BatchSize))
	return e
}

// SetBatchSize changes how many records later cycles list.
func (e *Engine) SetBatchSize(n int) {
	if n <= 0 {
		n = DefaultBatchSize
	}
	e.batchSize.Store(int64(n))
}

func (e *Engine) BatchSize() int { return int(e.batchSize.Load()) }

// Execute runs one dispatch cycle. It returns once the reserved records are
// scheduled; the sends complete later. A cycle started while another is
// still running returns immediately without touching the store.
func (e *Engine) Execute(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Warn("dispatch cycle already running; skipping")
		return nil
	}
	defer e.running.Store(false)

	// Own reservations first, so the sweep below does not charge them.
	e.releaseExpiredQueued(ctx)

	if e.cfg.SendLease > 0 {
		n, err := e.store.ReleaseStale(ctx, e.now().Add(-e.cfg.SendLease))
		if err != nil {
			e.log.Warn("release stale reservations failed", logx.Err(err))
		} else if n > 0 {
			e.log.Warn("released stale reservations", logx.Int64("count", n), logx.Duration("lease", e.cfg.SendLease))
		}
	}

	limit := e.BatchSize()
	if c := e.sched.Capacity(e.sendWindow()); c < limit {
		limit = c
	}
	if limit <= 0 {
		e.log.Debug("limiter backlog; skipping cycle", logx.Int("queued", e.queuedLen()))
		return nil
	}

	due, err := e.store.ListSendable(ctx, limit)
	if err != nil {
		e.log.Error("list sendable failed", logx.Err(err))
		return fmt.Errorf("dispatch: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	scheduled := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		reserved, err := e.store.ReserveForSend(ctx, d)
		if err != nil {
			e.logReserveError(d, err)
			continue
		}
		ticket := e.track(reserved)
		e.sched.Schedule(ratelimit.LowPriority, func(opCtx context.Context) {
			if e.claim(reserved.Key(), ticket) {
				e.deliver(opCtx, reserved)
			}
		})
		scheduled++
	}
	e.log.Debug("dispatch cycle", logx.Int("listed", len(due)), logx.Int("limit", limit), logx.Int("scheduled", scheduled))
	return nil
}

// sendWindow is how long a reservation may wait in the limiter before it
// is too late to send.
func (e *Engine) sendWindow() time.Duration {
	if e.cfg.SendLease <= 0 {
		return DefaultSendLease - e.cfg.SendTimeout
	}
	return e.cfg.SendLease - e.cfg.SendTimeout
}

func (e *Engine) leaseExpired(d storage.Delivery) bool {
	return e.cfg.SendLease > 0 && d.SentAt != nil && e.now().Sub(*d.SentAt) > e.sendWindow()
}

func (e *Engine) track(d storage.Delivery) uint64 {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.tickets++
	e.queued[d.Key()] = queuedOp{d: d, ticket: e.tickets}
	return e.tickets
}

// claim removes the reservation behind ticket from the queued set. False
// means it was already released and must not be sent.
func (e *Engine) claim(key string, ticket uint64) bool {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	q, ok := e.queued[key]
	if !ok || q.ticket != ticket {
		return false
	}
	delete(e.queued, key)
	return true
}

func (e *Engine) queuedLen() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queued)
}

// takeQueued claims every queued reservation that keep accepts.
func (e *Engine) takeQueued(keep func(storage.Delivery) bool) []storage.Delivery {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	var out []storage.Delivery
	for k, q := range e.queued {
		if keep(q.d) {
			out = append(out, q.d)
			delete(e.queued, k)
		}
	}
	return out
}

func (e *Engine) releaseExpiredQueued(ctx context.Context) {
	expired := e.takeQueued(e.leaseExpired)
	for _, d := range expired {
		e.release(ctx, e.log.With(logx.String("delivery", d.Key()), logx.Int("attempt", d.Attempts)), d)
	}
	if len(expired) > 0 {
		e.log.Warn("released queued reservations past their send window", logx.Int("count", len(expired)))
	}
}

// ReleaseQueued hands every reservation still waiting in the limiter back
// to the store with its attempt refunded. Call it once the limiter has
// stopped; the discarded operations will never run.
func (e *Engine) ReleaseQueued(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, d := range e.takeQueued(func(storage.Delivery) bool { return true }) {
		if err := e.store.Release(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", d.Key(), err))
			continue
		}
		n++
	}
	if n > 0 {
		e.log.Info("released queued reservations", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// release returns an unsent reservation without charging its attempt.
func (e *Engine) release(ctx context.Context, log logx.Logger, d storage.Delivery) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.Release(sctx, d); err != nil {
		log.Warn("release reservation failed", logx.Err(err))
		return
	}
	log.Info("reservation released unsent")
	e.publish(eventbus.DeliverySkipped, d, time.Time{}, storage.LeaseExpiredError)
}

func (e *Engine) logReserveError(d storage.Delivery, err error) {
	fields := []logx.Field{logx.String("delivery", d.Key()), logx.Err(err)}
	switch {
	case errors.Is(err, storage.ErrNotPending), errors.Is(err, storage.ErrMaxAttemptsReached):
		e.log.Debug("reservation lost", fields...)
	default:
		e.log.Warn("reservation failed", fields...)
	}
}

// deliver is the limiter operation for one reserved record. It never
// returns an error: every outcome ends in a state transition or a log line.
func (e *Engine) deliver(ctx context.Context, d storage.Delivery) {
	log := e.log.With(logx.String("delivery", d.Key()), logx.Int("attempt", d.Attempts))

	if seen, err := e.hasReceipt(ctx, d); err != nil {
		log.Warn("receipt lookup failed", logx.Err(err))
	} else if seen {
		log.Info("already sent; marking delivered")
		e.recordSuccess(ctx, log, d, false)
		return
	}

	opts := e.sendOpts
	var (
		sendErr error
		late    bool
	)
	if err := e.seq.Do(ctx, d.RecipientID, func() {
		// A send this late could overlap the sweep re-offering the record.
		if late = e.leaseExpired(d); late {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
		sendErr = e.sender.Send(sctx, d.RecipientID, d.Content, &opts)
	}); err != nil {
		sendErr = err
	}
	if late {
		log.Warn("reservation lease nearly expired; not sending")
		e.release(ctx, log, d)
		return
	}
	if sendErr != nil {
		e.recordFailure(ctx, log, d, sendErr, transport.IsPermanent(sendErr))
		return
	}
	e.recordSuccess(ctx, log, d, true)
}

func (e *Engine) hasReceipt(ctx context.Context, d storage.Delivery) (bool, error) {
	rctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.receipts.Seen(rctx, d.Key())
}

func (e *Engine) recordSuccess(ctx context.Context, log logx.Logger, d storage.Delivery, writeReceipt bool) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	// The receipt goes first: if the store write below fails, the next
	// reservation finds it and does not send again.
	if writeReceipt {
		if err := e.receipts.Record(sctx, d.Key(), e.now()); err != nil {
			log.Warn("receipt write failed", logx.Err(err))
		}
	}
	if err := e.store.RecordSuccess(sctx, d); err != nil {
		log.Error("record success failed", logx.Err(err))
		return
	}
	log.Debug("delivered")
	e.publish(eventbus.DeliverySent, d, time.Time{}, "")
}

func (e *Engine) recordFailure(ctx context.Context, log logx.Logger, d storage.Delivery, sendErr error, permanent bool) {
	delay := e.backoff.NextDelay(d.Attempts)
	if hint, ok := transport.RetryAfterHint(sendErr); ok && hint > delay {
		delay = hint
	}
	next := e.now().Add(delay)

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	status, err := e.store.RecordFailure(sctx, d, storage.Failure{
		Error:         sendErr.Error(),
		NextAttemptAt: next,
		Permanent:     permanent,
	})
	if err != nil {
		log.Error("record failure failed", logx.Err(err), logx.String("send_error", sendErr.Error()))
		return
	}
	if status == storage.StatusFailed {
		log.Warn("delivery failed", logx.Err(sendErr), logx.Bool("permanent", permanent))
		e.publish(eventbus.DeliveryFailed, d, time.Time{}, sendErr.Error())
		return
	}
	log.Info("delivery will retry", logx.Err(sendErr), logx.Time("next_attempt", next))
	e.publish(eventbus.DeliveryRetry, d, next, sendErr.Error())
}

// storeCtx detaches store writes from shutdown so a finished send is
// still recorded.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
}

func (e *Engine) publish(typ string, d storage.Delivery, next time.Time, errText string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Time: e.now(),
		Data: eventbus.DeliveryOutcome{
			DeliveryID:  d.Key(),
			MessageID:   d.MessageID,
			RecipientID: d.RecipientID,
			Attempts:    d.Attempts,
			NextAttempt: next,
			Err:         errText,
		},
	})
}
