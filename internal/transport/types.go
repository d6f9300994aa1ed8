// Package transport is the boundary to the messaging platform.
//
// Sender is the only call that leaves the process. Queue routes sends
// through the shared rate limiter so batch dispatch and interactive
// traffic obey one budget.
package transport

import "context"

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to one recipient. Implementations classify failures
// with Permanent and RetryAfter.
type Sender interface {
	Send(ctx context.Context, recipientID int64, text string, opt *SendOptions) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipientID int64, text string, opt *SendOptions) error

func (f SenderFunc) Send(ctx context.Context, recipientID int64, text string, opt *SendOptions) error {
	return f(ctx, recipientID, text, opt)
}
