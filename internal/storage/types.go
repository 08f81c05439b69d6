package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "sqlite" (default when empty), "postgres", "file", "memory".
type Config struct {
	Driver      string
	Path        string        // sqlite database file, or file-driver prefix
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Row is one stored shield record. EndTime is kept as stored: a local
// ISO-8601 timestamp without offset.
type Row struct {
	OwnerID       string `json:"user_id"`
	DestinationID string `json:"chat_id"`
	AccountName   string `json:"account_name"`
	EndTime       string `json:"end_time"`
}

// Store is the persistence contract. List results keep insertion order.
type Store interface {
	Insert(ctx context.Context, r Row) error
	// DeleteByOwnerAndName removes every row for the pair; absent rows are not an error.
	DeleteByOwnerAndName(ctx context.Context, ownerID, accountName string) error
	ListByOwner(ctx context.Context, ownerID string) ([]Row, error)
	ListAll(ctx context.Context) ([]Row, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	Close() error
}
