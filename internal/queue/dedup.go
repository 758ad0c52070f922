package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemoryDedup is an in-process dedup store for demo/development mode.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryDedup creates a new in-memory dedup store.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

func (m *MemoryDedup) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = at
	return true, nil
}

func (m *MemoryDedup) Unmark(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
	return nil
}

func (m *MemoryDedup) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, at := range m.seen {
		if at.Before(before) {
			delete(m.seen, id)
			pruned++
		}
	}
	return pruned, nil
}

// PostgresDedup persists processed event IDs so a restart (or a failover
// to another instance) doesn't replay events the old process already
// handled. The primary key makes MarkProcessed a single atomic
// insert-or-skip.
type PostgresDedup struct {
	db *sql.DB
}

// NewPostgresDedup creates a Postgres-backed dedup store.
func NewPostgresDedup(db *sql.DB) *PostgresDedup {
	return &PostgresDedup{db: db}
}

// Migrate creates the processed_events table if it doesn't exist.
func (p *PostgresDedup) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_processed_events_seen_at
			ON processed_events(seen_at);
	`)
	return err
}

func (p *PostgresDedup) MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`, id, at)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, nil
		}
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresDedup) Unmark(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id = $1`, id)
	return err
}

func (p *PostgresDedup) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE seen_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Compile-time assertions that both stores implement DedupStore.
var (
	_ DedupStore = (*MemoryDedup)(nil)
	_ DedupStore = (*PostgresDedup)(nil)
)
