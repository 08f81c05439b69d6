// Package storage persists shield records.
//
// Drivers:
//   - sqlite (default): modernc.org/sqlite, goose migrations
//   - postgres: pgx through database/sql, goose migrations
//   - file: JSON snapshot + append-only journal
//   - memory: process-local, for tests
//
// Every write is durable when the call returns. Rows carry the end time as
// the raw stored string; interpreting it is up to the caller.
package storage
