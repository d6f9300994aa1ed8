package transport

import (
	"context"
	"time"

	"positionbot/internal/ratelimit"
	"positionbot/pkg/logx"
)

// Scheduler is the part of the rate limiter the queue needs.
type Scheduler interface {
	Schedule(priority int, op ratelimit.Operation)
}

// Queue sends through the shared limiter.
type Queue struct {
	sender  Sender
	sched   Scheduler
	timeout time.Duration
	log     logx.Logger
}

func NewQueue(sender Sender, sched Scheduler, timeout time.Duration, log logx.Logger) *Queue {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Queue{sender: sender, sched: sched, timeout: timeout, log: log}
}

// Enqueue schedules one send. done, if set, receives the outcome.
func (q *Queue) Enqueue(priority int, recipientID int64, text string, opt *SendOptions, done func(error)) {
	q.sched.Schedule(priority, func(ctx context.Context) {
		sctx, cancel := context.WithTimeout(ctx, q.timeout)
		defer cancel()
		err := q.sender.Send(sctx, recipientID, text, opt)
		if done != nil {
			done(err)
		}
	})
}

// SendNow schedules a send and waits for its outcome or ctx.
func (q *Queue) SendNow(ctx context.Context, priority int, recipientID int64, text string, opt *SendOptions) error {
	res := make(chan error, 1)
	q.Enqueue(priority, recipientID, text, opt, func(err error) { res <- err })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendLog forwards an operator log line at top priority. It never blocks.
func (q *Queue) SendLog(chatID int64, text string) {
	q.Enqueue(ratelimit.TopPriority, chatID, text, &SendOptions{DisablePreview: true}, func(err error) {
		if err != nil {
			// Debug only: a warning here would be forwarded again.
			q.log.Debug("log forward failed", logx.Int64("chat_id", chatID), logx.Err(err))
		}
	})
}
