// Package storage persists messages, their per-recipient delivery records
// and the wallet subscriptions that decide who receives what.
//
// Every delivery state transition is one conditional UPDATE guarded by the
// current status (and, for resolutions, the attempt number of the
// reservation), so the database rather than any in-process lock decides
// which caller wins.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite, single writer, WAL
//   - "postgres": jackc/pgx/v5 connection pool
package storage
