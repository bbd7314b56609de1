package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const routingSchema = `
CREATE TABLE IF NOT EXISTS routing_config (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore persists the routing config as a single JSON row. Updates run
// in an immediate transaction so read-modify-write sequences from other
// processes sharing the file serialize with ours.
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewSQLiteStore creates the table if needed and seeds it with defaults when
// no row exists yet.
func NewSQLiteStore(ctx context.Context, db *sql.DB, defaults RoutingConfig, logger *logrus.Logger) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, routingSchema); err != nil {
		return nil, fmt.Errorf("failed to create routing_config table: %w", err)
	}

	data, err := json.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to encode default routing config: %w", err)
	}
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO routing_config (id, data, updated_at) VALUES (1, ?, ?)`,
		string(data), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to seed routing config: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.WithField("enabled", defaults.Enabled).Info("Seeded routing config")
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Read returns the stored routing config.
func (s *SQLiteStore) Read(ctx context.Context) (RoutingConfig, error) {
	return s.load(ctx, s.db)
}

// Update applies mutate inside a write transaction.
func (s *SQLiteStore) Update(ctx context.Context, mutate func(*RoutingConfig) error) (RoutingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to begin settings transaction: %w", err)
	}
	defer tx.Rollback()

	cfg, err := s.load(ctx, tx)
	if err != nil {
		return RoutingConfig{}, err
	}
	if err := mutate(&cfg); err != nil {
		return cfg, err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to encode routing config: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE routing_config SET data = ?, updated_at = ? WHERE id = 1`,
		string(data), time.Now().Unix()); err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to write routing config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to commit routing config: %w", err)
	}

	return cfg, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q querier) (RoutingConfig, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM routing_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return RoutingConfig{}, nil
	}
	if err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to read routing config: %w", err)
	}

	var cfg RoutingConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return RoutingConfig{}, fmt.Errorf("failed to decode routing config: %w", err)
	}
	return cfg, nil
}

var _ Store = (*SQLiteStore)(nil)
