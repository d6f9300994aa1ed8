package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"positionbot/pkg/logx"
)

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log, o)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log, o)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
