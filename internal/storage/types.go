package storage

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	ErrNotFound           = errors.New("storage: record not found")
	ErrNotPending         = errors.New("storage: delivery is not pending")
	ErrMaxAttemptsReached = errors.New("storage: delivery reached max attempts")
	ErrNotSending         = errors.New("storage: delivery is not sending")
	ErrNoRecipients       = errors.New("storage: message has no recipients")
	ErrUserExists         = errors.New("storage: user already exists")
	ErrSubscriptionExists = errors.New("storage: subscription already exists")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSending   Status = "SENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// LeaseExpiredError is the error text stored on reservations released by ReleaseStale.
const LeaseExpiredError = "send lease expired"

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite; 0 means 5s
	MaxConns    int32         // postgres; 0 keeps the pool default
}

// Message is the immutable envelope shared by all its delivery records.
type Message struct {
	ID        string
	Content   string
	Priority  int
	CreatedAt time.Time
}

// Delivery is one (message, recipient) record, joined with its message when listed.
type Delivery struct {
	MessageID     string
	RecipientID   int64
	Status        Status
	Attempts      int
	MaxAttempts   int
	SentAt        *time.Time
	DeliveredAt   *time.Time
	Error         string
	NextAttemptAt time.Time

	Content   string
	Priority  int
	CreatedAt time.Time
}

// Key identifies a delivery in logs, events and the receipt cache.
func (d Delivery) Key() string {
	return d.MessageID + ":" + strconv.FormatInt(d.RecipientID, 10)
}

// Failure describes a failed send attempt.
type Failure struct {
	Error         string
	NextAttemptAt time.Time
	// Permanent failures are terminal regardless of remaining attempts.
	Permanent bool
}

// DeliveryStore is what the dispatch engine and the cleanup job need.
type DeliveryStore interface {
	// ListSendable returns due PENDING records under their attempt limit, at
	// most one per recipient, by priority desc then message age.
	ListSendable(ctx context.Context, limit int) ([]Delivery, error)
	// ReserveForSend moves PENDING to SENDING, bumping attempts and sent_at.
	ReserveForSend(ctx context.Context, d Delivery) (Delivery, error)
	// RecordSuccess moves the reservation d to DELIVERED.
	RecordSuccess(ctx context.Context, d Delivery) error
	// RecordFailure moves the reservation d back to PENDING, or to FAILED
	// when attempts are exhausted or the failure is permanent.
	RecordFailure(ctx context.Context, d Delivery, f Failure) (Status, error)
	// Release hands the reservation d back as PENDING and refunds its
	// attempt. Only for reservations that never reached the platform.
	Release(ctx context.Context, d Delivery) error
	// ReleaseStale resolves SENDING records reserved before the given time.
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)
	// DeleteOlderThan removes messages created before cutoff with their records.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageWriter creates a message and one PENDING record per recipient atomically.
type MessageWriter interface {
	CreateMessage(ctx context.Context, msg Message, recipients []int64, maxAttempts int) (Message, error)
	GetDelivery(ctx context.Context, messageID string, recipientID int64) (Delivery, error)
}

// SubscriptionStore links recipients to the wallets they follow.
type SubscriptionStore interface {
	CreateUser(ctx context.Context, userID int64) error
	UpsertWallet(ctx context.Context, wallet string) error
	AddSubscription(ctx context.Context, userID int64, wallet string) error
	ListUserWallets(ctx context.Context, userID int64) ([]string, error)
	RemoveSubscription(ctx context.Context, userID int64, wallet string) error
	ListSubscribers(ctx context.Context, wallet string) ([]int64, error)
	// ListWallets pages through wallets with at least one subscriber.
	ListWallets(ctx context.Context, limit, offset int) ([]string, error)
}

type Store interface {
	DeliveryStore
	MessageWriter
	SubscriptionStore
	Ping(ctx context.Context) error
	Close() error
}

// Option tunes a store at open time.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the wall clock used for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func uniqueRecipients(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
