package job

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists jobs in PostgreSQL. Every state mutation is a
// single conditional UPDATE: the WHERE clause carries the state machine's
// precondition and zero affected rows means the precondition no longer
// held. Two instances racing on the same job therefore resolve at the
// database row, with no coordination between processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the jobs table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			descriptor TEXT NOT NULL,
			price BIGINT NOT NULL CHECK (price > 0),
			status TEXT NOT NULL,
			provider_task_id TEXT,
			idempotency_key TEXT,
			delivery_locked_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency_key
			ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_provider_task_id
			ON jobs(provider_task_id) WHERE provider_task_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_jobs_status_updated
			ON jobs(status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner
			ON jobs(owner_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, owner_id, descriptor, price, status,
			provider_task_id, idempotency_key,
			result, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.OwnerID, j.Descriptor, j.Price, string(j.Status),
		nullString(j.ProviderTaskID), nullString(j.IdempotencyKey),
		j.Result, j.Error, j.CreatedAt, j.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrIdempotencyConflict
	}
	return err
}

const jobColumns = `id, owner_id, descriptor, price, status,
		       provider_task_id, idempotency_key,
		       delivery_locked_at, delivered_at,
		       result, error, created_at, updated_at, finished_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJobOrNotFound(row)
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	return scanJobOrNotFound(row)
}

func (p *PostgresStore) GetByProviderTaskID(ctx context.Context, taskID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider_task_id = $1`, taskID)
	return scanJobOrNotFound(row)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status) (*Job, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	finished := "finished_at"
	if to.Terminal() {
		finished = "NOW()"
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2, updated_at = NOW(), finished_at = `+finished+`
		WHERE id = $1 AND status = ANY($3) AND finished_at IS NULL
		RETURNING `+jobColumns,
		id, string(to), pq.Array(fromStrs))

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, p.transitionFailure(ctx, id)
	}
	return j, err
}

func (p *PostgresStore) SetRunning(ctx context.Context, id, providerTaskID string) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2, provider_task_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		id, string(StatusRunning), nullString(providerTaskID), string(StatusQueued))

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, p.transitionFailure(ctx, id)
	}
	return j, err
}

// ClaimDelivery takes the delivery lease for a running job. The claim
// succeeds only while the job is undelivered and no live lease exists; an
// expired lease (a claimant that died mid-delivery) is claimable again.
func (p *PostgresStore) ClaimDelivery(ctx context.Context, id string, lease time.Duration) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET delivery_locked_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = $2
		  AND delivered_at IS NULL
		  AND (delivery_locked_at IS NULL OR delivery_locked_at < NOW() - $3 * INTERVAL '1 second')
		RETURNING `+jobColumns,
		id, string(StatusRunning), lease.Seconds())

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDeliveryLeaseLost
	}
	return j, err
}

// FinalizeDelivery stamps delivered_at exactly once and retires the job.
func (p *PostgresStore) FinalizeDelivery(ctx context.Context, id string, outcome Outcome) (*Job, error) {
	status := StatusFailed
	if outcome.Success {
		status = StatusDone
	}

	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error = $4,
		    delivered_at = NOW(), finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5 AND delivered_at IS NULL
		RETURNING `+jobColumns,
		id, string(status), outcome.Result, outcome.Error, string(StatusRunning))

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrDeliveryLeaseLost
	}
	return j, err
}

// FailStale fails a running job only if it is still untouched since the
// cutoff, so a result landing between list and sweep wins.
func (p *PostgresStore) FailStale(ctx context.Context, id, errText string, updatedBefore time.Time) (*Job, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2, error = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4 AND delivered_at IS NULL AND updated_at < $5
		RETURNING `+jobColumns,
		id, string(StatusFailed), errText, string(StatusRunning), updatedBefore)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, p.transitionFailure(ctx, id)
	}
	return j, err
}

func (p *PostgresStore) ListStaleRunning(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`, string(StatusRunning), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

func (p *PostgresStore) ListRunning(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(StatusRunning), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanJobs(rows)
}

// transitionFailure distinguishes a missing job from a precondition miss.
func (p *PostgresStore) transitionFailure(ctx context.Context, id string) error {
	if _, err := p.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(s scanner) (*Job, error) {
	j := &Job{}
	var (
		status           string
		providerTaskID   sql.NullString
		idempotencyKey   sql.NullString
		deliveryLockedAt sql.NullTime
		deliveredAt      sql.NullTime
		finishedAt       sql.NullTime
	)

	err := s.Scan(
		&j.ID, &j.OwnerID, &j.Descriptor, &j.Price, &status,
		&providerTaskID, &idempotencyKey,
		&deliveryLockedAt, &deliveredAt,
		&j.Result, &j.Error, &j.CreatedAt, &j.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	j.ProviderTaskID = providerTaskID.String
	j.IdempotencyKey = idempotencyKey.String
	if deliveryLockedAt.Valid {
		j.DeliveryLockedAt = &deliveryLockedAt.Time
	}
	if deliveredAt.Valid {
		j.DeliveredAt = &deliveredAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	return j, nil
}

func scanJobOrNotFound(row *sql.Row) (*Job, error) {
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var result []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
