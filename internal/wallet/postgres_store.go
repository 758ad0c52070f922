package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// Idempotency is enforced by the UNIQUE (kind, ref) index on
// wallet_movements: each mutating method inserts its movement with
// ON CONFLICT DO NOTHING first, and zero affected rows means the operation
// already happened (ErrDuplicateRef). The account update runs in the same
// transaction, so a movement row exists iff its balance effect was applied.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables. Mirrors migrations/00001; kept for test
// setup against a blank database.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			owner_id    BIGINT PRIMARY KEY,
			available   BIGINT NOT NULL DEFAULT 0,
			held        BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_held_nonneg      CHECK (held >= 0),
			CONSTRAINT chk_held_covered     CHECK (held <= available)
		);

		CREATE TABLE IF NOT EXISTS wallet_movements (
			id          VARCHAR(36) PRIMARY KEY,
			owner_id    BIGINT NOT NULL,
			kind        VARCHAR(10) NOT NULL,
			amount      BIGINT NOT NULL,
			ref         VARCHAR(255) NOT NULL,
			status      VARCHAR(10) NOT NULL DEFAULT 'applied',
			meta        TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_kind_ref ON wallet_movements(kind, ref);
		CREATE INDEX IF NOT EXISTS idx_movements_owner ON wallet_movements(owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_movements_ref ON wallet_movements(ref);
	`)
	return err
}

// GetAccount retrieves an owner's account, zero-valued when absent.
func (p *PostgresStore) GetAccount(ctx context.Context, ownerID int64) (*Account, error) {
	acct := &Account{OwnerID: ownerID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, updated_at
		FROM wallet_accounts WHERE owner_id = $1
	`, ownerID).Scan(&acct.Available, &acct.Held, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{OwnerID: ownerID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Topup adds credits to an owner's available balance.
func (p *PostgresStore) Topup(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMovement(ctx, tx, ownerID, amount, KindTopup, ref, meta); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (owner_id, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			available  = wallet_accounts.available + $2,
			updated_at = NOW()
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

// Hold reserves credits against a future charge. The conditional update
// checks the spendable balance (available - held) in the same statement
// that increases held, so concurrent holds serialize on the account row.
func (p *PostgresStore) Hold(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMovement(ctx, tx, ownerID, amount, KindHold, ref, meta); err != nil {
		return err
	}

	// Create the account on first touch so the conditional update has a row.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (owner_id) VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			held       = held + $2,
			updated_at = NOW()
		WHERE owner_id = $1 AND available - held >= $2
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("failed to place hold: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientFunds
	}

	return tx.Commit()
}

// Charge consumes a hold: both available and held decrease.
func (p *PostgresStore) Charge(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Insert first so a replayed charge surfaces as ErrDuplicateRef, not as
	// a consumed-hold error.
	moveID := generateID()
	if err := insertMovementID(ctx, tx, moveID, ownerID, amount, KindCharge, ref, meta); err != nil {
		return err
	}
	if err := checkHoldOpen(ctx, tx, ref, moveID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			available  = available - $2,
			held       = held - $2,
			updated_at = NOW()
		WHERE owner_id = $1 AND held >= $2 AND available >= $2
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("failed to charge hold: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoMatchingHold
	}

	return tx.Commit()
}

// Release returns held credits to the spendable balance without touching
// available. kind distinguishes refund (failed job) from release (canceled
// or swept job).
func (p *PostgresStore) Release(ctx context.Context, ownerID, amount int64, ref string, kind Kind, meta string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	moveID := generateID()
	if err := insertMovementID(ctx, tx, moveID, ownerID, amount, kind, ref, meta); err != nil {
		return err
	}
	if err := checkHoldOpen(ctx, tx, ref, moveID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallet_accounts SET
			held       = held - $2,
			updated_at = NOW()
		WHERE owner_id = $1 AND held >= $2
	`, ownerID, amount)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNoMatchingHold
	}

	return tx.Commit()
}

// OpenHolds finds applied holds older than olderThan with no settling
// movement against the same ref, oldest first.
func (p *PostgresStore) OpenHolds(ctx context.Context, olderThan time.Time, limit int) ([]OpenHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.owner_id, h.ref, h.amount, h.created_at
		FROM wallet_movements h
		WHERE h.kind = 'hold' AND h.status = 'applied' AND h.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_movements s
			WHERE s.ref = h.ref
			  AND s.kind IN ('charge','refund','release')
			  AND s.status = 'applied'
		  )
		ORDER BY h.created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenHold
	for rows.Next() {
		var h OpenHold
		if err := rows.Scan(&h.OwnerID, &h.Ref, &h.Amount, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Movements retrieves recent movements for an owner, newest first.
func (p *PostgresStore) Movements(ctx context.Context, ownerID int64, limit int) ([]*Movement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, kind, amount, ref, status, meta, created_at
		FROM wallet_movements
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Movement
	for rows.Next() {
		m := &Movement{}
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Kind, &m.Amount, &m.Ref, &m.Status, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Meta = meta.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// insertMovement records the movement, converting the (kind, ref) uniqueness
// conflict into ErrDuplicateRef.
func insertMovement(ctx context.Context, tx *sql.Tx, ownerID, amount int64, kind Kind, ref, meta string) error {
	return insertMovementID(ctx, tx, generateID(), ownerID, amount, kind, ref, meta)
}

func insertMovementID(ctx context.Context, tx *sql.Tx, id string, ownerID, amount int64, kind Kind, ref, meta string) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_movements (id, owner_id, kind, amount, ref, status, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, 'applied', $6, NOW())
		ON CONFLICT (kind, ref) DO NOTHING
	`, id, ownerID, kind, amount, ref, meta)
	if err != nil {
		return fmt.Errorf("failed to record movement: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrDuplicateRef
	}
	return nil
}

// checkHoldOpen verifies an applied hold exists for ref and that no charge,
// refund, or release other than the current movement has consumed it.
func checkHoldOpen(ctx context.Context, tx *sql.Tx, ref, selfID string) error {
	var held, consumed bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM wallet_movements WHERE kind = 'hold' AND ref = $1 AND status = 'applied'),
			EXISTS (SELECT 1 FROM wallet_movements WHERE kind IN ('charge','refund','release') AND ref = $1 AND status = 'applied' AND id <> $2)
	`, ref, selfID).Scan(&held, &consumed)
	if err != nil {
		return fmt.Errorf("failed to check hold: %w", err)
	}
	if !held {
		return ErrNoMatchingHold
	}
	if consumed {
		return ErrHoldConsumed
	}
	return nil
}
