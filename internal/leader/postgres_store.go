package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// lockKey identifies the leadership advisory lock. Advisory locks are
// keyed per database, so the value only has to be unique within ours.
const lockKey int64 = 0x6d757365_01 // "muse" | election

// PostgresStore elects through pg_try_advisory_lock held on a dedicated
// connection. Session locks die with their session, so a crashed leader
// frees the lock as soon as Postgres notices the connection is gone. The
// leader_state row mirrors the holder (id, backend pid, heartbeat) so
// followers can detect a leader whose session lingers after the process
// stopped making progress, and terminate it.
type PostgresStore struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn // pinned session while we hold (or contend for) the lock
}

// NewPostgresStore creates a Postgres-backed lock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the leader_state table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS leader_state (
			id INT PRIMARY KEY CHECK (id = 1),
			holder_id TEXT NOT NULL,
			pid INT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			heartbeat_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

func (p *PostgresStore) TryAcquire(ctx context.Context, holderID string) (AcquireResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := p.session(ctx)
	if err != nil {
		return Timeout, fmt.Errorf("pinning election session: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&got); err != nil {
		p.dropSession()
		return Timeout, fmt.Errorf("advisory lock attempt: %w", err)
	}
	if !got {
		return AlreadyHeld, nil
	}

	// Record holder metadata on the same session so pid matches the lock
	// holder's backend.
	_, err = conn.ExecContext(ctx, `
		INSERT INTO leader_state (id, holder_id, pid, acquired_at, heartbeat_at)
		VALUES (1, $1, pg_backend_pid(), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    pid = EXCLUDED.pid,
		    acquired_at = EXCLUDED.acquired_at,
		    heartbeat_at = EXCLUDED.heartbeat_at`,
		holderID)
	if err != nil {
		return Timeout, fmt.Errorf("recording leadership holder: %w", err)
	}
	return Acquired, nil
}

func (p *PostgresStore) Heartbeat(ctx context.Context, holderID string) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no election session held")
	}

	res, err := conn.ExecContext(ctx, `
		UPDATE leader_state SET heartbeat_at = NOW()
		WHERE id = 1 AND holder_id = $1`, holderID)
	if err != nil {
		// The session may be dead, which also means the lock is gone.
		p.mu.Lock()
		p.dropSession()
		p.mu.Unlock()
		return fmt.Errorf("leadership heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("leadership heartbeat: holder row taken over")
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, holderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	_, err := p.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
	p.dropSession()
	return err
}

func (p *PostgresStore) Holder(ctx context.Context) (*HolderInfo, error) {
	info := &HolderInfo{}
	err := p.db.QueryRowContext(ctx, `
		SELECT holder_id, pid, acquired_at, heartbeat_at
		FROM leader_state WHERE id = 1`).
		Scan(&info.HolderID, &info.Pid, &info.AcquiredAt, &info.HeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoHolder
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// TerminateHolder kills the stale holder's backend so its session-scoped
// advisory lock drops, then clears the stale heartbeat row. The pid is
// re-checked against the row to avoid killing an unrelated backend that
// recycled the pid.
func (p *PostgresStore) TerminateHolder(ctx context.Context, info *HolderInfo) error {
	var terminated bool
	err := p.db.QueryRowContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM leader_state
		WHERE id = 1 AND holder_id = $1 AND pid = $2`,
		info.HolderID, info.Pid).Scan(&terminated)
	if err == sql.ErrNoRows {
		// Row changed under us: a new leader already took over.
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminating stale leader backend: %w", err)
	}
	if !terminated {
		// Backend already gone; the lock is free either way.
		return nil
	}

	// Give Postgres a moment to reap the session before reacquiring.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// session returns the pinned connection, creating one if needed.
// Caller must hold p.mu.
func (p *PostgresStore) session(ctx context.Context) (*sql.Conn, error) {
	if p.conn != nil {
		if err := p.conn.PingContext(ctx); err == nil {
			return p.conn, nil
		}
		p.dropSession()
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// dropSession closes the pinned connection. Caller must hold p.mu (or be
// single-threaded on the store).
func (p *PostgresStore) dropSession() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Compile-time assertion that PostgresStore implements LockStore.
var _ LockStore = (*PostgresStore)(nil)
