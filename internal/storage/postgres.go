package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shieldbot/internal/storage/migrations"
	logx "shieldbot/pkg/logx"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: postgres ping: %w", err)
	}

	sub, err := fs.Sub(migrations.Postgres, "postgres")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db, sub, "pgx"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres store opened")
	return &sqlStore{db: db, log: log, dollar: true, orderBy: "id"}, nil
}
