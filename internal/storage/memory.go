package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Data is lost on exit.
type Memory struct {
	mu     sync.Mutex
	rows   []Row
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Insert(ctx context.Context, r Row) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *Memory) DeleteByOwnerAndName(ctx context.Context, ownerID, accountName string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.rows = deleteRows(m.rows, ownerID, accountName)
	return nil
}

func (m *Memory) ListByOwner(ctx context.Context, ownerID string) ([]Row, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return filterOwner(m.rows, ownerID), nil
}

func (m *Memory) ListAll(ctx context.Context) ([]Row, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]Row(nil), m.rows...), nil
}

func (m *Memory) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	rows, err := m.ListByOwner(ctx, ownerID)
	return len(rows), err
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
