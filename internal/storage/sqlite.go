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
	"time"

	_ "modernc.org/sqlite"

	logx "chanpost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
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

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

// ---- batches ----

func (s *sqliteStore) SaveBatch(ctx context.Context, b BatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches(id, chat_id, user_id, state, interval_ms, created_at, completed_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, interval_ms=excluded.interval_ms`,
		b.ID, b.ChatID, b.UserID, b.State, b.Interval.Milliseconds(),
		b.CreatedAt.UnixMilli(), nullMilli(b.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateBatchState(ctx context.Context, id, state string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET state = ?, completed_at = ? WHERE id = ?`,
		state, nullMilli(completedAt), id,
	)
	return err
}

func (s *sqliteStore) ListBatches(ctx context.Context, states ...string) ([]BatchRecord, error) {
	q := `SELECT id, chat_id, user_id, state, interval_ms, created_at, completed_at FROM batches`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		q += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var intervalMS, createdMS int64
		var completedMS sql.NullInt64
		if err := rows.Scan(&b.ID, &b.ChatID, &b.UserID, &b.State, &intervalMS, &createdMS, &completedMS); err != nil {
			return nil, err
		}
		b.Interval = time.Duration(intervalMS) * time.Millisecond
		b.CreatedAt = time.UnixMilli(createdMS)
		if completedMS.Valid {
			b.CompletedAt = time.UnixMilli(completedMS.Int64)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBatches(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches
		 WHERE state IN ('completed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---- jobs ----

func (s *sqliteStore) SaveJobs(ctx context.Context, jobs []JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO jobs(id, batch_id, chat_id, post_id, post_json, not_before, attempt, seq)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET not_before=excluded.not_before, attempt=excluded.attempt`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.BatchID, j.ChatID, j.PostID, j.PostJSON,
			j.NotBefore.UnixMilli(), j.Attempt, j.Seq,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, notBefore time.Time, attempt int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET not_before = ?, attempt = ? WHERE id = ?`,
		notBefore.UnixMilli(), attempt, id,
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteJobsForBatch(ctx context.Context, batchID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE batch_id = ?`, batchID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListPendingJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, chat_id, post_id, post_json, not_before, attempt, seq
		 FROM jobs ORDER BY chat_id, not_before, seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var j JobRecord
		var notBeforeMS int64
		if err := rows.Scan(&j.ID, &j.BatchID, &j.ChatID, &j.PostID, &j.PostJSON, &notBeforeMS, &j.Attempt, &j.Seq); err != nil {
			return nil, err
		}
		j.NotBefore = time.UnixMilli(notBeforeMS)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- fingerprints ----

func (s *sqliteStore) AppendFingerprint(ctx context.Context, chatID int64, hash uint64, at time.Time) error {
	// SQLite integers are signed 64-bit; store the raw bit pattern.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints(chat_id, hash, at) VALUES(?,?,?)
		 ON CONFLICT(chat_id, hash) DO NOTHING`,
		chatID, int64(hash), at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListFingerprints(ctx context.Context) (map[int64][]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, hash FROM fingerprints ORDER BY chat_id, at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]uint64{}
	for rows.Next() {
		var chatID, h int64
		if err := rows.Scan(&chatID, &h); err != nil {
			return nil, err
		}
		out[chatID] = append(out[chatID], uint64(h))
	}
	return out, rows.Err()
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
