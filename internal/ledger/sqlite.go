package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS failure_ledger (
	id            TEXT    PRIMARY KEY,
	logged_at     INTEGER NOT NULL,
	model_ref     TEXT    NOT NULL,
	provider_hint TEXT    NOT NULL,
	error_summary TEXT    NOT NULL,
	synced        INTEGER NOT NULL DEFAULT 0,
	synced_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_failure_ledger_pending ON failure_ledger(synced, logged_at);`

// Columns added after the first release; older files get them on open.
var ledgerColumns = []struct{ name, ddl string }{
	{"sync_attempts", `ALTER TABLE failure_ledger ADD COLUMN sync_attempts INTEGER NOT NULL DEFAULT 0`},
	{"last_attempt_at", `ALTER TABLE failure_ledger ADD COLUMN last_attempt_at INTEGER`},
}

const recordColumns = `id, logged_at, model_ref, provider_hint, error_summary, synced, synced_at, sync_attempts, last_attempt_at`

// SQLiteStore keeps the ledger in a SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the ledger table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("failed to create failure_ledger table: %w", err)
	}
	for _, col := range ledgerColumns {
		var n int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info('failure_ledger') WHERE name = ?`, col.name).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to inspect failure_ledger: %w", err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return nil, fmt.Errorf("failed to add failure_ledger.%s: %w", col.name, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failure_ledger (id, logged_at, model_ref, provider_hint, error_summary, synced)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		rec.ID, rec.LoggedAt.UnixMilli(), rec.ModelRef, rec.ProviderHint, rec.ErrorSummary)
	if err != nil {
		return fmt.Errorf("failed to append failure record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM failure_ledger WHERE synced = 0
		ORDER BY last_attempt_at IS NOT NULL, last_attempt_at, logged_at, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// MarkAttempted records a rejected sync attempt. Synced records are left alone.
func (s *SQLiteStore) MarkAttempted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failure_ledger SET sync_attempts = sync_attempts + 1, last_attempt_at = ? WHERE id = ? AND synced = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s attempted: %w", id, err)
	}
	return nil
}

// MarkSynced is idempotent; the first sync time wins.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failure_ledger SET synced = 1, synced_at = COALESCE(synced_at, ?) WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s synced: %w", id, err)
	}
	return nil
}

// List returns records oldest first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM failure_ledger`
	if opts.PendingOnly {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY logged_at, id`
	var args []any
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure ledger: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec           Record
			loggedAt      int64
			synced        int
			syncedAt      sql.NullInt64
			lastAttemptAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &loggedAt, &rec.ModelRef, &rec.ProviderHint, &rec.ErrorSummary,
			&synced, &syncedAt, &rec.SyncAttempts, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure record: %w", err)
		}
		rec.LoggedAt = time.UnixMilli(loggedAt).UTC()
		rec.Synced = synced != 0
		if syncedAt.Valid {
			t := time.UnixMilli(syncedAt.Int64).UTC()
			rec.SyncedAt = &t
		}
		if lastAttemptAt.Valid {
			t := time.UnixMilli(lastAttemptAt.Int64).UTC()
			rec.LastAttemptAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
