package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"positionbot/pkg/logx"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger, o options) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and every transition is
	// a short statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: o.now}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error { return s.db.Close() }

const sqliteDeliveryCols = `message_id, recipient_id, status, attempts, max_attempts, sent_at, delivered_at, error, next_attempt_at`

func (s *sqliteStore) ListSendable(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteDeliveryCols+`, content, priority, created_at
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
			  AND d.next_attempt_at <= ?
			  AND d.attempts < d.max_attempts
		) AS s
		WHERE rn = 1
		ORDER BY priority DESC, created_at ASC, recipient_id ASC
		LIMIT ?
	`, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list sendable: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var r sqliteRow
		if err := rows.Scan(r.joinedDest()...); err != nil {
			return nil, fmt.Errorf("list sendable: %w", err)
		}
		out = append(out, r.delivery())
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReserveForSend(ctx context.Context, d Delivery) (Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE deliveries
		SET status = 'SENDING', attempts = attempts + 1, sent_at = ?
		WHERE message_id = ? AND recipient_id = ?
		  AND status = 'PENDING' AND attempts < max_attempts
		RETURNING `+sqliteDeliveryCols,
		s.now().UnixMilli(), d.MessageID, d.RecipientID)

	r := sqliteRow{d: d}
	if err := row.Scan(r.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, s.reserveConflict(ctx, d)
		}
		return Delivery{}, fmt.Errorf("reserve %s: %w", d.Key(), err)
	}
	return r.delivery(), nil
}

// reserveConflict explains why a reservation matched no row.
func (s *sqliteStore) reserveConflict(ctx context.Context, d Delivery) error {
	var (
		status                string
		attempts, maxAttempts int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM deliveries WHERE message_id = ? AND recipient_id = ?`,
		d.MessageID, d.RecipientID).Scan(&status, &attempts, &maxAttempts)
	return classifyConflict(err, Status(status), attempts, maxAttempts)
}

func (s *sqliteStore) RecordSuccess(ctx context.Context, d Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'DELIVERED', delivered_at = ?
		WHERE message_id = ? AND recipient_id = ? AND status = 'SENDING' AND attempts = ?
	`, s.now().UnixMilli(), d.MessageID, d.RecipientID, d.Attempts)
	if err != nil {
		return fmt.Errorf("record success %s: %w", d.Key(), err)
	}
	return expectOne(res, ErrNotSending)
}

func (s *sqliteStore) RecordFailure(ctx context.Context, d Delivery, f Failure) (Status, error) {
	permanent := 0
	if f.Permanent {
		permanent = 1
	}
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE deliveries
		SET status = CASE WHEN ? = 0 AND attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		    next_attempt_at = CASE WHEN ? = 0 AND attempts < max_attempts THEN ? ELSE next_attempt_at END,
		    error = ?
		WHERE message_id = ? AND recipient_id = ? AND status = 'SENDING' AND attempts = ?
		RETURNING status
	`, permanent, permanent, f.NextAttemptAt.UnixMilli(), f.Error, d.MessageID, d.RecipientID, d.Attempts).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotSending
	}
	if err != nil {
		return "", fmt.Errorf("record failure %s: %w", d.Key(), err)
	}
	return Status(status), nil
}

func (s *sqliteStore) Release(ctx context.Context, d Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = 'PENDING', attempts = attempts - 1
		WHERE message_id = ? AND recipient_id = ? AND status = 'SENDING' AND attempts = ?
	`, d.MessageID, d.RecipientID, d.Attempts)
	if err != nil {
		return fmt.Errorf("release %s: %w", d.Key(), err)
	}
	return expectOne(res, ErrNotSending)
}

func (s *sqliteStore) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = CASE WHEN attempts < max_attempts THEN 'PENDING' ELSE 'FAILED' END,
		    next_attempt_at = ?,
		    error = ?
		WHERE status = 'SENDING' AND sent_at < ?
	`, s.now().UnixMilli(), LeaseExpiredError, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deliveries WHERE message_id IN (SELECT id FROM messages WHERE created_at < ?)`, ms); err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *sqliteStore) CreateMessage(ctx context.Context, msg Message, recipients []int64, maxAttempts int) (Message, error) {
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
	created := msg.CreatedAt.UnixMilli()
	msg.CreatedAt = time.UnixMilli(created)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, content, priority, created_at) VALUES(?,?,?,?)`,
		msg.ID, msg.Content, msg.Priority, created); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deliveries(message_id, recipient_id, status, attempts, max_attempts, next_attempt_at) VALUES(?,?,'PENDING',0,?,?)`)
	if err != nil {
		return Message{}, err
	}
	defer stmt.Close()
	for _, rid := range recipients {
		if _, err := stmt.ExecContext(ctx, msg.ID, rid, maxAttempts, created); err != nil {
			return Message{}, fmt.Errorf("insert delivery %d: %w", rid, err)
		}
	}
	return msg, tx.Commit()
}

func (s *sqliteStore) GetDelivery(ctx context.Context, messageID string, recipientID int64) (Delivery, error) {
	var r sqliteRow
	err := s.db.QueryRowContext(ctx, `
		SELECT d.message_id, d.recipient_id, d.status, d.attempts, d.max_attempts,
		       d.sent_at, d.delivered_at, d.error, d.next_attempt_at,
		       m.content, m.priority, m.created_at
		FROM deliveries d JOIN messages m ON m.id = d.message_id
		WHERE d.message_id = ? AND d.recipient_id = ?
	`, messageID, recipientID).Scan(r.joinedDest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	return r.delivery(), nil
}

func (s *sqliteStore) CreateUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, created_at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		userID, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create user %d: %w", userID, err)
	}
	return expectOne(res, ErrUserExists)
}

func (s *sqliteStore) UpsertWallet(ctx context.Context, wallet string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets(id, created_at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`,
		wallet, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert wallet %s: %w", wallet, err)
	}
	return nil
}

func (s *sqliteStore) AddSubscription(ctx context.Context, userID int64, wallet string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets(id, created_at) VALUES(?,?) ON CONFLICT(id) DO NOTHING`, wallet, now); err != nil {
		return fmt.Errorf("upsert wallet %s: %w", wallet, err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_wallets(user_id, wallet_id, created_at) VALUES(?,?,?) ON CONFLICT(user_id, wallet_id) DO NOTHING`,
		userID, wallet, now)
	if err != nil {
		return fmt.Errorf("add subscription: %w", err)
	}
	if err := expectOne(res, ErrSubscriptionExists); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListUserWallets(ctx context.Context, userID int64) ([]string, error) {
	return s.strings(ctx,
		`SELECT wallet_id FROM user_wallets WHERE user_id = ? ORDER BY created_at ASC, wallet_id ASC`, userID)
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, userID int64, wallet string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_wallets WHERE user_id = ? AND wallet_id = ?`, userID, wallet)
	if err != nil {
		return fmt.Errorf("remove subscription: %w", err)
	}
	return expectOne(res, ErrNotFound)
}

func (s *sqliteStore) ListSubscribers(ctx context.Context, wallet string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_wallets WHERE wallet_id = ? ORDER BY user_id ASC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListWallets(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.strings(ctx, `SELECT DISTINCT wallet_id FROM user_wallets ORDER BY wallet_id ASC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *sqliteStore) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// sqliteRow holds scan targets for one delivery row.
type sqliteRow struct {
	d             Delivery
	status        string
	sentAt        sql.NullInt64
	deliveredAt   sql.NullInt64
	errText       sql.NullString
	nextAttemptAt int64
	createdAt     int64
}

func (r *sqliteRow) dest() []any {
	return []any{&r.d.MessageID, &r.d.RecipientID, &r.status, &r.d.Attempts, &r.d.MaxAttempts,
		&r.sentAt, &r.deliveredAt, &r.errText, &r.nextAttemptAt}
}

func (r *sqliteRow) joinedDest() []any {
	return append(r.dest(), &r.d.Content, &r.d.Priority, &r.createdAt)
}

func (r *sqliteRow) delivery() Delivery {
	d := r.d
	d.Status = Status(r.status)
	d.SentAt = msPtr(r.sentAt)
	d.DeliveredAt = msPtr(r.deliveredAt)
	d.Error = r.errText.String
	d.NextAttemptAt = time.UnixMilli(r.nextAttemptAt)
	if r.createdAt != 0 {
		d.CreatedAt = time.UnixMilli(r.createdAt)
	}
	return d
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
