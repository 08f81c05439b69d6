package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	logx "shieldbot/pkg/logx"
)

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

func migrate(ctx context.Context, db *sql.DB, fsys fs.FS, dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("storage: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// sqlStore implements Store over database/sql; the drivers differ only in
// placeholder style and the column used for insertion order.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dollar  bool   // $1 placeholders (postgres) instead of ?
	orderBy string // rowid | id
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, r Row) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO shields(user_id, chat_id, account_name, end_time) VALUES(?,?,?,?)`),
		r.OwnerID, r.DestinationID, r.AccountName, r.EndTime,
	)
	if err != nil {
		return fmt.Errorf("storage: insert: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteByOwnerAndName(ctx context.Context, ownerID, accountName string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM shields WHERE user_id = ? AND account_name = ?`),
		ownerID, accountName,
	)
	if err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

func (s *sqlStore) ListByOwner(ctx context.Context, ownerID string) ([]Row, error) {
	return s.list(ctx,
		s.q(`SELECT user_id, chat_id, account_name, end_time FROM shields WHERE user_id = ? ORDER BY `+s.orderBy),
		ownerID,
	)
}

func (s *sqlStore) ListAll(ctx context.Context) ([]Row, error) {
	return s.list(ctx, `SELECT user_id, chat_id, account_name, end_time FROM shields ORDER BY `+s.orderBy)
}

func (s *sqlStore) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM shields WHERE user_id = ?`), ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

func (s *sqlStore) list(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                       Row
			owner, dest, acct, when sql.NullString
		)
		if err := rows.Scan(&owner, &dest, &acct, &when); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		r.OwnerID, r.DestinationID, r.AccountName, r.EndTime = owner.String, dest.String, acct.String, when.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}
