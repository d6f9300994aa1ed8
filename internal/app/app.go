package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"positionbot/internal/accounts"
	"positionbot/internal/cleanup"
	"positionbot/internal/config"
	"positionbot/internal/dispatch"
	"positionbot/internal/eventbus"
	"positionbot/internal/messages"
	"positionbot/internal/ratelimit"
	"positionbot/internal/receipts"
	"positionbot/internal/runtime/supervisor"
	"positionbot/internal/storage"
	"positionbot/internal/task/scheduler"
	"positionbot/internal/transport"
	"positionbot/internal/transport/telegram"
	"positionbot/pkg/logx"
)

const (
	scheduleDispatch = "dispatch"
	scheduleCleanup  = "cleanup"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rcpt  *receipts.RedisCache

	limiter *ratelimit.Limiter
	queue   *transport.Queue
	engine  *dispatch.Engine
	cleanup *cleanup.Policy
	sched   *scheduler.Service

	accounts *accounts.Service
	messages *messages.Service
}

// NewApp loads configuration and builds every component. Nothing runs
// until Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfgm := config.NewManager(cfgPath)
	s, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(s))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, mapStorageConfig(s), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", s.Storage.Driver))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	var rcpt *receipts.RedisCache
	if s.Receipts.RedisURL != "" {
		rdb, err := receipts.Dial(ctx, s.Receipts.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("receipts: %w", err))
		}
		rcpt = receipts.NewRedis(rdb, s.Receipts.TTL)
		appLog.Info("receipt cache enabled", logx.Duration("ttl", s.Receipts.TTL))
	}

	sender, err := telegram.New(mapTelegramConfig(s), log.With(logx.String("comp", "telegram")))
	if err != nil {
		if rcpt != nil {
			_ = rcpt.Close()
		}
		return fail(fmt.Errorf("telegram: %w", err))
	}

	bus := eventbus.New()
	limiter := ratelimit.New(mapLimiterConfig(s), log.With(logx.String("comp", "limiter")))

	queue := transport.NewQueue(sender, limiter, s.Dispatch.SendTimeout, log.With(logx.String("comp", "queue")))
	logSvc.AttachSink(queue)

	opts := []dispatch.Option{dispatch.WithBus(bus)}
	if rcpt != nil {
		opts = append(opts, dispatch.WithReceipts(rcpt))
	}
	engine := dispatch.New(mapDispatchConfig(s), store, limiter, sender,
		log.With(logx.String("comp", "dispatch")), opts...)

	a := &App{
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		rcpt:     rcpt,
		limiter:  limiter,
		queue:    queue,
		engine:   engine,
		cleanup:  cleanup.New(store, s.Cleanup.Retention, bus, log.With(logx.String("comp", "cleanup"))),
		sched:    scheduler.New(mapSchedulerConfig(s), log.With(logx.String("comp", "scheduler"))),
		accounts: accounts.New(store, log.With(logx.String("comp", "accounts"))),
		messages: messages.New(store, s.Dispatch.MaxAttempts, log.With(logx.String("comp", "messages"))),
	}
	if err := a.registerSchedules(s); err != nil {
		if rcpt != nil {
			_ = rcpt.Close()
		}
		return fail(err)
	}
	return a, nil
}

// Accounts manages users and their wallet subscriptions.
func (a *App) Accounts() *accounts.Service { return a.accounts }

// Messages creates notifications for the dispatch engine to deliver.
func (a *App) Messages() *messages.Service { return a.messages }

// Queue sends interactive traffic through the shared limiter.
func (a *App) Queue() *transport.Queue { return a.queue }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Scheduler() scheduler.Snapshot { return a.sched.Snapshot() }

// Ping reports whether the store answers.
func (a *App) Ping(ctx context.Context) error { return a.store.Ping(ctx) }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) registerSchedules(s *config.Settings) error {
	if err := a.sched.AddSchedule(scheduleDispatch, s.Dispatch.Schedule, s.Dispatch.Timeout, a.engine.Execute); err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}
	if err := a.sched.AddSchedule(scheduleCleanup, s.Cleanup.Schedule, s.Cleanup.Timeout, a.cleanup.Execute); err != nil {
		return fmt.Errorf("cleanup schedule: %w", err)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.limiter.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.logEvent(e)
				}
			}
		})
	}

	// A panic while applying a reload restarts the loop instead of the app.
	a.sup.GoRestart("config.reload", func(c context.Context) error {
		sub := a.cfgm.Subscribe(8)
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applySettings(last, next)
				last = next
			}
		}
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("batch_size", a.engine.BatchSize()),
		logx.String("dispatch_schedule", a.cfgm.Get().Dispatch.Schedule))
	return nil
}

// applySettings pushes a reloaded config into the running components.
func (a *App) applySettings(prev, next *config.Settings) {
	a.logs.Apply(mapLogConfig(next))
	a.limiter.Apply(next.Limiter.Interval, next.Limiter.IntervalCap)
	a.engine.SetBatchSize(next.Dispatch.BatchSize)
	a.sched.Apply(mapSchedulerConfig(next))

	if prev == nil || prev.Dispatch.Schedule != next.Dispatch.Schedule || prev.Dispatch.Timeout != next.Dispatch.Timeout ||
		prev.Cleanup.Schedule != next.Cleanup.Schedule || prev.Cleanup.Timeout != next.Cleanup.Timeout {
		if err := a.registerSchedules(next); err != nil {
			a.log.Warn("schedule update rejected", logx.Err(err))
		}
	}
	if sections := restartRequired(prev, next); len(sections) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(sections, ",")))
	}
	a.log.Info("config applied",
		logx.String("level", next.Log.Level),
		logx.Duration("limiter_interval", next.Limiter.Interval),
		logx.Int("limiter_cap", next.Limiter.IntervalCap),
		logx.Int("batch_size", next.Dispatch.BatchSize))
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.DeliveryOutcome:
		a.log.Debug("event", logx.String("type", e.Type), logx.String("delivery", d.DeliveryID), logx.Int("attempts", d.Attempts))
	case eventbus.CleanupReport:
		a.log.Debug("event", logx.String("type", e.Type), logx.Int64("deleted", d.Deleted), logx.Time("before", d.Before))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so no new cycle starts, then drain in-flight sends
	// before the store goes away.
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("limiter", 15*time.Second, a.limiter.Stop)
	// Work the limiter dropped goes back unsent, attempt refunded.
	step("release queued", 2*time.Second, func(c context.Context) error {
		_, err := a.engine.ReleaseQueued(c)
		return err
	})
	step("receipts", time.Second, func(context.Context) error {
		if a.rcpt != nil {
			return a.rcpt.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
