// Package messages is the producer-facing entry point: it sanitizes content
// and turns it into durable messages for one recipient or for every
// subscriber of a wallet.
package messages

import (
	"context"
	"errors"

	"positionbot/internal/accounts"
	"positionbot/internal/markup"
	"positionbot/internal/ratelimit"
	"positionbot/internal/storage"
	"positionbot/pkg/logx"
)

const (
	LowPriority = ratelimit.LowPriority
	TopPriority = ratelimit.TopPriority

	DefaultMaxAttempts = 5
)

var ErrNoSubscribers = errors.New("no users subscribed to wallet")

type Store interface {
	storage.MessageWriter
	ListSubscribers(ctx context.Context, wallet string) ([]int64, error)
}

type Option func(*createOptions)

type createOptions struct {
	priority    *int
	maxAttempts int
}

// WithPriority overrides the default priority of the call.
func WithPriority(p int) Option { return func(o *createOptions) { o.priority = &p } }

// WithMaxAttempts overrides the service-wide attempt ceiling.
func WithMaxAttempts(n int) Option { return func(o *createOptions) { o.maxAttempts = n } }

type Service struct {
	store       Store
	log         logx.Logger
	maxAttempts int
}

func New(store Store, maxAttempts int, log logx.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Service{store: store, log: log, maxAttempts: maxAttempts}
}

// Create fans content out to every subscriber of wallet at LowPriority
// unless overridden. ErrNoSubscribers when nobody follows the wallet.
func (s *Service) Create(ctx context.Context, content, wallet string, opts ...Option) (storage.Message, error) {
	addr, err := accounts.SanitizeAddress(wallet)
	if err != nil {
		return storage.Message{}, err
	}
	recipients, err := s.store.ListSubscribers(ctx, addr)
	if err != nil {
		return storage.Message{}, err
	}
	if len(recipients) == 0 {
		return storage.Message{}, ErrNoSubscribers
	}
	msg, err := s.create(ctx, content, recipients, LowPriority, opts)
	if err != nil {
		return storage.Message{}, err
	}
	s.log.Debug("message created", logx.String("message_id", msg.ID), logx.String("wallet", addr), logx.Int("recipients", len(recipients)))
	return msg, nil
}

// CreateForUser queues content for one recipient, at TopPriority by default.
func (s *Service) CreateForUser(ctx context.Context, content string, userID int64, opts ...Option) (storage.Message, error) {
	msg, err := s.create(ctx, content, []int64{userID}, TopPriority, opts)
	if err != nil {
		return storage.Message{}, err
	}
	s.log.Debug("message created", logx.String("message_id", msg.ID), logx.Int64("user_id", userID))
	return msg, nil
}

func (s *Service) create(ctx context.Context, content string, recipients []int64, defPriority int, opts []Option) (storage.Message, error) {
	o := createOptions{maxAttempts: s.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	priority := defPriority
	if o.priority != nil {
		priority = *o.priority
	}
	return s.store.CreateMessage(ctx, storage.Message{
		Content:  markup.Sanitize(content),
		Priority: priority,
	}, recipients, o.maxAttempts)
}
