//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"trbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// statusRetention bounds how long completed records stay queryable. Far
// beyond any sensible resume lookback.
const statusRetention = 90 * 24 * time.Hour

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) PutStatus(ctx context.Context, rec StatusRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status(chat_id, message_id, job_id, text, file_id, media_kind, chat_label, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, message_id) DO UPDATE SET
		   job_id=excluded.job_id, text=excluded.text, file_id=excluded.file_id,
		   media_kind=excluded.media_kind, chat_label=excluded.chat_label,
		   updated_at=excluded.updated_at`,
		rec.ChatID, rec.MessageID, rec.JobID, rec.Text, rec.FileID,
		rec.MediaKind, nullStr(rec.ChatLabel), rec.UpdatedAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneOld(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentStatuses(ctx context.Context, since time.Time) ([]StatusRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, message_id, job_id, text, file_id, media_kind, chat_label, updated_at
		 FROM status WHERE updated_at >= ? ORDER BY updated_at`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var rec StatusRecord
		var label sql.NullString
		var ms int64
		if err := rows.Scan(&rec.ChatID, &rec.MessageID, &rec.JobID, &rec.Text,
			&rec.FileID, &rec.MediaKind, &label, &ms); err != nil {
			return nil, err
		}
		rec.ChatLabel = label.String
		rec.UpdatedAt = time.UnixMilli(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneOld(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-statusRetention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM status WHERE updated_at < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
