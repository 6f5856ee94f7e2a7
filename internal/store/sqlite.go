package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wablast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- sessions ----

func (s *sqliteStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = SessionNotAuth
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, description, status, phone, display_name, credentials, created_at, last_used_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Description, string(rec.Status), rec.Phone, rec.DisplayName,
		rec.Credentials, rec.CreatedAt.UnixMilli(), msOrZero(rec.LastUsedAt),
	)
	return err
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, description, status, phone, display_name, credentials, created_at, last_used_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, status, phone, display_name, credentials, created_at, last_used_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var status string
	var createdMS, usedMS int64
	err := row.Scan(&rec.ID, &rec.Description, &status, &rec.Phone, &rec.DisplayName,
		&rec.Credentials, &createdMS, &usedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	rec.Status = SessionStatus(status)
	rec.CreatedAt = time.UnixMilli(createdMS)
	if usedMS > 0 {
		rec.LastUsedAt = time.UnixMilli(usedMS)
	}
	return rec, nil
}

func (s *sqliteStore) SetSessionStatus(ctx context.Context, id string, st SessionStatus) error {
	return s.execOne(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(st), id)
}

func (s *sqliteStore) SetSessionPaired(ctx context.Context, id, phone, displayName string, credentials []byte) error {
	return s.execOne(ctx,
		`UPDATE sessions SET status = ?, phone = ?, display_name = ?, credentials = ? WHERE id = ?`,
		string(SessionPaired), phone, displayName, credentials, id)
}

func (s *sqliteStore) ClearSessionCredentials(ctx context.Context, id string) error {
	return s.execOne(ctx,
		`UPDATE sessions SET credentials = NULL, phone = '', display_name = '' WHERE id = ?`, id)
}

func (s *sqliteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, `UPDATE sessions SET last_used_at = ? WHERE id = ?`, at.UnixMilli(), id)
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

// execOne runs a statement that should touch exactly one row; zero rows maps
// to ErrNotFound.
func (s *sqliteStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
