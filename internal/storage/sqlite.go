package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "homedir/pkg/logx"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db   *sqlx.DB
	log  logx.Logger
	path string
}

type snapshotRow struct {
	UserID    string `db:"user_id"`
	Body      []byte `db:"body"`
	UpdatedAt int64  `db:"updated_at"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// The lane is the only writer; one connection keeps pragmas consistent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &sqliteStore{db: db, log: log, path: path}, nil
}

func (s *sqliteStore) Dir() string { return filepath.Dir(s.path) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutUser(ctx context.Context, userID string, body []byte) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("empty user id")
	}
	return s.upsert(ctx,
		`INSERT INTO user_snapshots(user_id, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		userID, body, time.Now().UnixMilli(),
	)
}

func (s *sqliteStore) PutGlobal(ctx context.Context, body []byte) error {
	return s.upsert(ctx,
		`INSERT INTO global_snapshot(id, body, updated_at) VALUES(1,?,?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		body, time.Now().UnixMilli(),
	)
}

func (s *sqliteStore) upsert(ctx context.Context, query string, args ...any) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadUsers(ctx context.Context) ([][]byte, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT user_id, body, updated_at FROM user_snapshots ORDER BY user_id`); err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Body)
	}
	return out, nil
}

func (s *sqliteStore) LoadGlobal(ctx context.Context) ([]byte, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, `SELECT body FROM global_snapshot WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}
