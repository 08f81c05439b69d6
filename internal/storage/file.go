package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "shieldbot/pkg/logx"
)

const fileCompactEvery = 256

// fileStore keeps rows in memory and persists them as:
//   - <prefix>.snapshot.json (rows at the last compaction)
//   - <prefix>.journal.jsonl (insert/delete ops since then, fsynced per op)
//
// Open replays the journal over the snapshot and compacts.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	rows []Row

	snapshotPath string
	journal      *os.File
	ops          int
}

type journalOp struct {
	Op      string `json:"op"` // insert | delete
	Row     *Row   `json:"row,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Account string `json:"account,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, snapshotPath: prefix + ".snapshot.json"}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: read snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if err := s.compactLocked(); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("storage: compact: %w", err)
	}
	log.Info("file store opened", logx.String("prefix", prefix), logx.Int("rows", len(s.rows)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) Insert(ctx context.Context, r Row) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalOp{Op: "insert", Row: &r}); err != nil {
		return err
	}
	s.rows = append(s.rows, r)
	return s.maybeCompactLocked()
}

func (s *fileStore) DeleteByOwnerAndName(ctx context.Context, ownerID, accountName string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.containsLocked(ownerID, accountName) {
		return nil
	}
	if err := s.appendLocked(journalOp{Op: "delete", Owner: ownerID, Account: accountName}); err != nil {
		return err
	}
	s.rows = deleteRows(s.rows, ownerID, accountName)
	return s.maybeCompactLocked()
}

func (s *fileStore) ListByOwner(ctx context.Context, ownerID string) ([]Row, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return filterOwner(s.rows, ownerID), nil
}

func (s *fileStore) ListAll(ctx context.Context) ([]Row, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return append([]Row(nil), s.rows...), nil
}

func (s *fileStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	rows, err := s.ListByOwner(ctx, ownerID)
	return len(rows), err
}

func (s *fileStore) containsLocked(owner, account string) bool {
	for _, r := range s.rows {
		if r.OwnerID == owner && r.AccountName == account {
			return true
		}
	}
	return false
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return fmt.Errorf("storage: journal write: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("storage: journal sync: %w", err)
	}
	s.ops++
	return nil
}

func (s *fileStore) maybeCompactLocked() error {
	if s.ops < fileCompactEvery {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		// The journal already holds the op; compaction can wait for the next write.
		s.log.Warn("file store compact failed", logx.Err(err))
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	rows := s.rows
	if rows == nil {
		rows = []Row{}
	}
	if err := json.NewEncoder(f).Encode(rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.journal.Seek(0, 2); err != nil {
		return err
	}
	s.ops = 0
	return nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &s.rows)
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line from a crash mid-write.
			s.log.Warn("file store: skipping bad journal line", logx.Err(err))
			continue
		}
		switch op.Op {
		case "insert":
			if op.Row != nil {
				s.rows = append(s.rows, *op.Row)
			}
		case "delete":
			s.rows = deleteRows(s.rows, op.Owner, op.Account)
		}
	}
	return sc.Err()
}

func deleteRows(rows []Row, owner, account string) []Row {
	n := 0
	for _, r := range rows {
		if r.OwnerID == owner && r.AccountName == account {
			continue
		}
		rows[n] = r
		n++
	}
	return rows[:n]
}

func filterOwner(rows []Row, owner string) []Row {
	var out []Row
	for _, r := range rows {
		if r.OwnerID == owner {
			out = append(out, r)
		}
	}
	return out
}
