// Package wallet tracks prepaid balances for bot owners.
//
// Flow:
//  1. Owner tops up credits (stripe payment → topup)
//  2. Confirming a generation job places a hold on its price
//  3. Successful delivery charges the hold; failure releases it
//
// Every operation carries a caller-supplied idempotency reference. A
// movement with a given (kind, ref) pair is applied at most once; replays
// are observed as no-op successes so the job coordinator can retry freely.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/musebot/muse/internal/metrics"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNoMatchingHold    = errors.New("no matching hold for ref")
	ErrHoldConsumed      = errors.New("hold already consumed")

	// ErrDuplicateRef is returned by stores when a (kind, ref) pair was
	// already applied. The service swallows it into a no-op success.
	ErrDuplicateRef = errors.New("ref already applied")
)

// Kind classifies a balance-affecting movement.
type Kind string

const (
	KindTopup   Kind = "topup"
	KindHold    Kind = "hold"
	KindCharge  Kind = "charge"
	KindRefund  Kind = "refund"
	KindRelease Kind = "release"
	KindAdjust  Kind = "adjust"
)

// Account is one owner's balance. Held credits are carved out of available:
// the spendable amount is Available - Held, and Available only drops when a
// hold is charged.
type Account struct {
	OwnerID   int64     `json:"ownerId"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Spendable returns the credits not reserved by holds.
func (a *Account) Spendable() int64 {
	return a.Available - a.Held
}

// Movement is an append-only record of a balance-affecting operation.
type Movement struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"ownerId"`
	Kind      Kind      `json:"kind"`
	Amount    int64     `json:"amount"`
	Ref       string    `json:"ref"`
	Status    string    `json:"status"`
	Meta      string    `json:"meta,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusApplied marks a movement that has been applied to its account.
const StatusApplied = "applied"

// OpenHold is an applied hold with no charge, refund, or release against its
// ref. Old open holds are the footprint of a settlement that never finished;
// the job sweeper reconciles them against the job's final status.
type OpenHold struct {
	OwnerID   int64     `json:"ownerId"`
	Ref       string    `json:"ref"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists accounts and movements. Each mutating method is a single
// atomic operation: the movement insert (guarded by the (kind, ref)
// uniqueness) and the account update succeed or fail together.
type Store interface {
	GetAccount(ctx context.Context, ownerID int64) (*Account, error)
	Topup(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Hold(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Charge(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Release(ctx context.Context, ownerID, amount int64, ref string, kind Kind, meta string) error
	Movements(ctx context.Context, ownerID int64, limit int) ([]*Movement, error)
	OpenHolds(ctx context.Context, olderThan time.Time, limit int) ([]OpenHold, error)
}

// Service implements wallet business logic on top of a Store.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a wallet service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Balance returns the owner's account, zero-valued on first touch.
func (s *Service) Balance(ctx context.Context, ownerID int64) (*Account, error) {
	return s.store.GetAccount(ctx, ownerID)
}

// Movements returns recent movements for an owner, newest first.
func (s *Service) Movements(ctx context.Context, ownerID int64, limit int) ([]*Movement, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Movements(ctx, ownerID, limit)
}

// OpenHolds returns holds placed before olderThan that no charge, refund, or
// release has settled, oldest first.
func (s *Service) OpenHolds(ctx context.Context, olderThan time.Time, limit int) ([]OpenHold, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.OpenHolds(ctx, olderThan, limit)
}

// Topup credits available balance. Idempotent per ref.
func (s *Service) Topup(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.apply(KindTopup, ref, s.store.Topup(ctx, ownerID, amount, ref, meta))
}

// Hold reserves amount against a future charge. Fails with
// ErrInsufficientFunds when the spendable balance is below amount.
// Idempotent per ref.
func (s *Service) Hold(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.apply(KindHold, ref, s.store.Hold(ctx, ownerID, amount, ref, meta))
}

// Charge consumes a prior hold with the same ref: both available and held
// drop by amount. Fails with ErrNoMatchingHold when no hold exists.
// Idempotent per ref.
func (s *Service) Charge(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.apply(KindCharge, ref, s.store.Charge(ctx, ownerID, amount, ref, meta))
}

// Refund releases a hold after a failed job. Idempotent per ref.
func (s *Service) Refund(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.apply(KindRefund, ref, s.store.Release(ctx, ownerID, amount, ref, KindRefund, meta))
}

// Release returns a hold to the spendable balance (canceled or swept job).
// Idempotent per ref.
func (s *Service) Release(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.apply(KindRelease, ref, s.store.Release(ctx, ownerID, amount, ref, KindRelease, meta))
}

// apply converts duplicate-ref replays into no-op successes and records metrics.
func (s *Service) apply(kind Kind, ref string, err error) error {
	if err == nil {
		metrics.WalletMovementsTotal.WithLabelValues(string(kind)).Inc()
		return nil
	}
	if errors.Is(err, ErrDuplicateRef) {
		metrics.WalletDuplicateRefsTotal.Inc()
		s.logger.Debug("wallet replay ignored", "kind", kind, "ref", ref)
		return nil
	}
	return err
}

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
