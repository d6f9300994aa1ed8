package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"positionbot/pkg/logx"
)

//go:embed postgres_schema.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger, o options) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "postgres"), logx.String("host", pcfg.ConnConfig.Host))
	return &postgresStore{pool: pool, log: log, now: o.now}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgDeliveryCols = `message_id, recipient_id, status, attempts, max_attempts, sent_at, delivered_at, error, next_attempt_at`

type pgRow struct {
	d       Delivery
	status  string
	errText *string
}

func (r *pgRow) dest() []any {
	return []any{&r.d.MessageID, &r.d.RecipientID, &r.status, &r.d.Attempts, &r.d.MaxAttempts,
		&r.d.SentAt, &r.d.DeliveredAt, &r.errText, &r.d.NextAttemptAt}
}

func (r *pgRow) joinedDest() []any {
	return append(r.dest(), &r.d.Content, &r.d.Priority, &r.d.CreatedAt)
}

func (r *pgRow) delivery() Delivery {
	d := r.d
	d.Status = Status(r.status)
	if r.errText != nil {
		d.Error = *r.errText
	}
	return d
}

func (s *postgresStore) ListSendable(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgDeliveryCols+`, content, priority, created_at
		FROM (
			SELECT d.message_id, d.recipient_id, d.status, d.attempts, d.max_attempts,
			       d.sent_at, d.delivered_at, d.error, d.next_attempt_at,
			       m.content, m.priority, m.created_at,
			       ROW_NUMBER() OVER (
			           PARTITION BY d.recipient_id
			           ORDER BY m.priority DESC, m.created_at ASC, d.message_id ASC
			       ) AS rn
			FROM deliveries d
			JOIN messages m ON m.id = d.message_id
			WHERE d.status = 'PENDING'
			  AND d.next_attempt_at <= $1
			  AND d.attempts < d.max_attempts
		) AS s
		WHERE rn = 1
		ORDER BY priority DESC, created_at ASC, recipient_id ASC
		LIMIT $2
	`, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("list sendable: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var r pgRow
		if err := rows.Scan(r.joinedDest()...); err != nil {
			return nil, fmt.Errorf("list sendable: %w", err)
		}
		out = append(out, r.delivery())
	}
	return out, rows.Err()
}

func (s *postgresStore) ReserveForSend(ctx context.Context, d Delivery) (Delivery, error) {
	r := pgRow{d: d}
	err := s.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = 'SENDING', attempts = attempts + 1, sent_at = $1
		WHERE message_id = $2 AND recipient_id = $3
		  AND status = 'PENDING' AND attempts < max_attempts
		RETURNING `+pgDeliveryCols,
		s.now(), d.MessageID, d.RecipientID).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, s.reserveConflict(ctx, d)
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("reserve %s: %w", d.Key(), err)
	}
	return r.delivery(), nil
}

func (s *postgresStore) reserveConflict(ctx context.Context, d Delivery) error {
	var (
		status                string
		attempts, maxAttempts int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT status, attempts, max_attempts FROM deliveries WHERE message_id = $1 AND recipient_id = $2`,
		d.MessageID, d.RecipientID).Scan(&status, &attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		err = ErrNotFound
	}
	return classifyConflict(err, Status(status), attempts, maxAttempts)
}

func (s *postgresStore) RecordSuccess(ctx context.Context, d Delivery) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'DELIVERED', delivered_at = $1
		WHERE message_id = $2 AND recipient_id = $3 AND status = 'SENDING' AND attempts = $4
	`, s.now(), d.MessageID, d.RecipientID, d.Attempts)
	if err != nil {
		return fmt.Errorf("record success %s: %w", d.Key(), err)
	}
	return tagOne(tag, ErrNotSending)
}

func (s *postgresStore) RecordFailure(ctx context.Context, d Delivery, f Failure) (Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE deliveries
		SET status = CASE WHEN NOT $1::boolean AND attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		    next_attempt_at = CASE WHEN NOT $1::boolean AND attempts < max_attempts THEN $2 ELSE next_attempt_at END,
		    error = $3
		WHERE message_id = $4 AND recipient_id = $5 AND status = 'SENDING' AND attempts = $6
		RETURNING status
	`, f.Permanent, f.NextAttemptAt, f.Error, d.MessageID, d.RecipientID, d.Attempts).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotSending
	}
	if err != nil {
		return "", fmt.Errorf("record failure %s: %w", d.Key(), err)
	}
	return Status(status), nil
}

func (s *postgresStore) Release(ctx context.Context, d Delivery) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = 'PENDING', attempts = attempts - 1
		WHERE message_id = $1 AND recipient_id = $2 AND status = 'SENDING' AND attempts = $3
	`, d.MessageID, d.RecipientID, d.Attempts)
	if err != nil {
		return fmt.Errorf("release %s: %w", d.Key(), err)
	}
	return tagOne(tag, ErrNotSending)
}

func (s *postgresStore) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE deliveries
		SET status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		    next_attempt_at = $1,
		    error = $2
		WHERE status = 'SENDING' AND sent_at < $3
	`, s.now(), LeaseExpiredError, before)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// deliveries go with their message via ON DELETE CASCADE.
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) CreateMessage(ctx context.Context, msg Message, recipients []int64, maxAttempts int) (Message, error) {
	recipients = uniqueRecipients(recipients)
	if len(recipients) == 0 {
		return Message{}, ErrNoRecipients
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages(id, content, priority, created_at) VALUES($1,$2,$3,$4)`,
			msg.ID, msg.Content, msg.Priority, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		batch := &pgx.Batch{}
		for _, rid := range recipients {
			batch.Queue(
				`INSERT INTO deliveries(message_id, recipient_id, status, attempts, max_attempts, next_attempt_at) VALUES($1,$2,'PENDING',0,$3,$4)`,
				msg.ID, rid, maxAttempts, msg.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert deliveries: %w", err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *postgresStore) GetDelivery(ctx context.Context, messageID string, recipientID int64) (Delivery, error) {
	var r pgRow
	err := s.pool.QueryRow(ctx, `
		SELECT d.message_id, d.recipient_id, d.status, d.attempts, d.max_attempts,
		       d.sent_at, d.delivered_at, d.error, d.next_attempt_at,
		       m.content, m.priority, m.created_at
		FROM deliveries d JOIN messages m ON m.id = d.message_id
		WHERE d.message_id = $1 AND d.recipient_id = $2
	`, messageID, recipientID).Scan(r.joinedDest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	return r.delivery(), nil
}

func (s *postgresStore) CreateUser(ctx context.Context, userID int64) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO users(id, created_at) VALUES($1,$2) ON CONFLICT (id) DO NOTHING`, userID, s.now())
	if err != nil {
		return fmt.Errorf("create user %d: %w", userID, err)
	}
	return tagOne(tag, ErrUserExists)
}

func (s *postgresStore) UpsertWallet(ctx context.Context, wallet string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO wallets(id, created_at) VALUES($1,$2) ON CONFLICT (id) DO NOTHING`, wallet, s.now()); err != nil {
		return fmt.Errorf("upsert wallet %s: %w", wallet, err)
	}
	return nil
}

func (s *postgresStore) AddSubscription(ctx context.Context, userID int64, wallet string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1`, userID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallets(id, created_at) VALUES($1,$2) ON CONFLICT (id) DO NOTHING`, wallet, now); err != nil {
			return fmt.Errorf("upsert wallet %s: %w", wallet, err)
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO user_wallets(user_id, wallet_id, created_at) VALUES($1,$2,$3) ON CONFLICT (user_id, wallet_id) DO NOTHING`,
			userID, wallet, now)
		if err != nil {
			return fmt.Errorf("add subscription: %w", err)
		}
		return tagOne(tag, ErrSubscriptionExists)
	})
}

func (s *postgresStore) ListUserWallets(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet_id FROM user_wallets WHERE user_id = $1 ORDER BY created_at ASC, wallet_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *postgresStore) RemoveSubscription(ctx context.Context, userID int64, wallet string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_wallets WHERE user_id = $1 AND wallet_id = $2`, userID, wallet)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return tagOne(tag, ErrNotFound)
}

func (s *postgresStore) ListSubscribers(ctx context.Context, wallet string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM user_wallets WHERE wallet_id = $1 ORDER BY user_id ASC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *postgresStore) ListWallets(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT wallet_id FROM user_wallets ORDER BY wallet_id ASC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func tagOne(tag pgconn.CommandTag, none error) error {
	if tag.RowsAffected() == 0 {
		return none
	}
	return nil
}
