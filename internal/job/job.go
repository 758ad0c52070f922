// Package job drives the lifecycle of generation jobs.
//
// Flow:
//  1. Owner submits a request → draft job (idempotent per request key)
//  2. Owner confirms the quoted price → queued, hold placed on the wallet
//  3. Job is handed to the provider → running
//  4. Result arrives (provider callback or fallback poller) → the delivery
//     lease picks exactly one deliverer → done/failed, hold charged/refunded
//
// Results can race in from two independent paths. The delivery lease is the
// single authority for who delivers: a conditional claim on the job row that
// expires if the claimant dies between claiming and finalizing.
package job

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/musebot/muse/internal/metrics"
	"github.com/musebot/muse/internal/retry"
	"github.com/musebot/muse/internal/traces"
	"github.com/musebot/muse/internal/wallet"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDeliveryLeaseLost = errors.New("delivery lease held elsewhere or job already delivered")
	ErrInvalidPrice      = errors.New("invalid price")
)

// Status represents the state of a job.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusAwaiting   Status = "awaiting_confirmation"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal returns true if no transition out of s is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is a durable unit of work. Jobs are never deleted; terminal statuses
// retire them for audit.
type Job struct {
	ID               string     `json:"id"`
	OwnerID          int64      `json:"ownerId"`
	Descriptor       string     `json:"descriptor"`
	Price            int64      `json:"price"`
	Status           Status     `json:"status"`
	ProviderTaskID   string     `json:"providerTaskId,omitempty"`
	IdempotencyKey   string     `json:"idempotencyKey"`
	DeliveryLockedAt *time.Time `json:"deliveryLockedAt,omitempty"`
	DeliveredAt      *time.Time `json:"deliveredAt,omitempty"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Outcome is a provider result for a job, arriving via callback or poller.
type Outcome struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Store persists jobs. Conditional methods enforce the state machine: they
// mutate only when the current row satisfies the precondition, and report
// ErrInvalidTransition (or ErrDeliveryLeaseLost) otherwise. That conditional
// write — not any in-process lock — is what serializes racing instances.
type Store interface {
	Create(ctx context.Context, job *Job) error // ErrIdempotencyConflict on duplicate key
	Get(ctx context.Context, id string) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	GetByProviderTaskID(ctx context.Context, taskID string) (*Job, error)
	Transition(ctx context.Context, id string, from []Status, to Status) (*Job, error)
	SetRunning(ctx context.Context, id, providerTaskID string) (*Job, error)
	ClaimDelivery(ctx context.Context, id string, lease time.Duration) (*Job, error)
	FinalizeDelivery(ctx context.Context, id string, outcome Outcome) (*Job, error)
	FailStale(ctx context.Context, id, errText string, updatedBefore time.Time) (*Job, error)
	ListStaleRunning(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error)
	ListRunning(ctx context.Context, limit int) ([]*Job, error)
}

// ErrIdempotencyConflict signals that a job with the same idempotency key
// already exists. CreateJob resolves it by returning the existing job.
var ErrIdempotencyConflict = errors.New("idempotency key already used")

// WalletService is the slice of the wallet the coordinator needs.
type WalletService interface {
	Hold(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Charge(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Refund(ctx context.Context, ownerID, amount int64, ref, meta string) error
	Release(ctx context.Context, ownerID, amount int64, ref, meta string) error
	OpenHolds(ctx context.Context, olderThan time.Time, limit int) ([]wallet.OpenHold, error)
}

// Deliverer pushes a finished result to the owner. Its success gates the
// done/failed finalization: a failed push leaves the lease to expire so a
// later attempt (from either result path) can retry.
type Deliverer interface {
	OnDeliveryReady(ctx context.Context, ownerID int64, jobID string, outcome Outcome) error
}

// Notifier receives job lifecycle events (for the live stream). Optional.
type Notifier interface {
	JobEvent(job *Job)
}

// Coordinator owns all job mutations.
type Coordinator struct {
	store      Store
	wallet     WalletService
	deliverer  Deliverer
	notifier   Notifier
	logger     *slog.Logger
	lease      time.Duration
	staleAfter time.Duration
}

// NewCoordinator creates a job coordinator.
func NewCoordinator(store Store, wallet WalletService, deliverer Deliverer, logger *slog.Logger, lease, staleAfter time.Duration) *Coordinator {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Coordinator{
		store:      store,
		wallet:     wallet,
		deliverer:  deliverer,
		logger:     logger,
		lease:      lease,
		staleAfter: staleAfter,
	}
}

// WithNotifier attaches a lifecycle event notifier.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// CreateJob inserts a new draft job, or returns the existing job unchanged
// when the idempotency key was already used (idempotent create).
func (c *Coordinator) CreateJob(ctx context.Context, ownerID int64, descriptor string, price int64, idemKey string) (*Job, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	now := time.Now()
	j := &Job{
		ID:             generateJobID(),
		OwnerID:        ownerID,
		Descriptor:     descriptor,
		Price:          price,
		Status:         StatusDraft,
		IdempotencyKey: idemKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := c.store.Create(ctx, j)
	if errors.Is(err, ErrIdempotencyConflict) {
		existing, getErr := c.store.GetByIdempotencyKey(ctx, idemKey)
		if getErr != nil {
			return nil, fmt.Errorf("resolving idempotent create: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusDraft)).Inc()
	c.notify(j)
	return j, nil
}

// RequestConfirmation moves a draft job to awaiting_confirmation once the
// price quote has been shown to the owner.
func (c *Coordinator) RequestConfirmation(ctx context.Context, jobID string) (*Job, error) {
	j, err := c.store.Transition(ctx, jobID, []Status{StatusDraft}, StatusAwaiting)
	if err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(StatusAwaiting)).Inc()
	c.notify(j)
	return j, nil
}

// ConfirmAndQueue transitions the job to queued and places the wallet hold.
// The transition runs first: its precondition serializes concurrent confirm
// attempts, so at most one caller reaches the hold. A hold failure reverts
// the transition, keeping status and ledger in step.
func (c *Coordinator) ConfirmAndQueue(ctx context.Context, jobID string) (*Job, error) {
	j, err := c.store.Transition(ctx, jobID, []Status{StatusDraft, StatusAwaiting}, StatusQueued)
	if err != nil {
		return nil, err
	}

	if err := c.wallet.Hold(ctx, j.OwnerID, j.Price, j.ID, "job_hold"); err != nil {
		if _, revertErr := c.store.Transition(ctx, jobID, []Status{StatusQueued}, StatusDraft); revertErr != nil {
			c.logger.Error("failed to revert queued job after hold failure",
				"jobId", jobID, "holdError", err, "revertError", revertErr)
		}
		return nil, fmt.Errorf("placing hold for job %s: %w", jobID, err)
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusQueued)).Inc()
	c.notify(j)
	return j, nil
}

// MarkRunning records the provider task id and moves queued → running.
// Rejected with ErrInvalidTransition for any other current status, which is
// what serializes two instances that both believe they are leader.
func (c *Coordinator) MarkRunning(ctx context.Context, jobID, providerTaskID string) (*Job, error) {
	j, err := c.store.SetRunning(ctx, jobID, providerTaskID)
	if err != nil {
		return nil, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(StatusRunning)).Inc()
	c.notify(j)
	return j, nil
}

// CompleteFromResult is the single entry point for both result paths: the
// provider callback and the fallback poller. ref may be a job id or a
// provider task id. Safe to call concurrently from both paths and from a
// recently-demoted follower.
//
// Sequence: claim the delivery lease (single conditional write), push the
// result to the owner, then finalize and settle the hold. A push failure
// leaves the lease to expire so either path can reclaim it; the job is not
// marked done until the push has actually succeeded.
func (c *Coordinator) CompleteFromResult(ctx context.Context, ref string, outcome Outcome) error {
	ctx, span := traces.StartSpan(ctx, "job.complete", traces.Ref(ref))
	defer span.End()

	j, err := c.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	span.SetAttributes(traces.JobID(j.ID), traces.OwnerID(j.OwnerID))

	claimed, err := c.store.ClaimDelivery(ctx, j.ID, c.lease)
	if err != nil {
		if errors.Is(err, ErrDeliveryLeaseLost) {
			// The other path won the race, or delivery already happened.
			metrics.DeliveriesTotal.WithLabelValues("lease_lost").Inc()
			c.logger.Debug("delivery lease unavailable", "jobId", j.ID)
			return nil
		}
		return err
	}
	j = claimed

	if err := c.deliverer.OnDeliveryReady(ctx, j.OwnerID, j.ID, outcome); err != nil {
		// Leave the lease to expire; a retry by either path reclaims it.
		metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("delivering result for job %s: %w", j.ID, err)
	}

	j, err = c.store.FinalizeDelivery(ctx, j.ID, outcome)
	if err != nil {
		if errors.Is(err, ErrDeliveryLeaseLost) {
			// Finalized elsewhere between our claim and now (lease expired
			// under a very slow push). The other finalizer settled the hold.
			return nil
		}
		return err
	}

	metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	metrics.JobTransitionsTotal.WithLabelValues(string(j.Status)).Inc()
	c.notify(j)
	return c.settle(ctx, j, outcome.Success)
}

// Cancel aborts a job that has not started running, releasing any hold.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*Job, error) {
	j, err := c.store.Transition(ctx, jobID, []Status{StatusDraft, StatusAwaiting, StatusQueued}, StatusCanceled)
	if err != nil {
		return nil, err
	}

	if err := c.releaseTolerant(ctx, j, "job_canceled"); err != nil {
		c.logger.Error("failed to release hold for canceled job", "jobId", j.ID, "error", err)
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusCanceled)).Inc()
	c.notify(j)
	return j, nil
}

// Fail marks a queued or running job failed (e.g. provider submission
// error) and releases its hold.
func (c *Coordinator) Fail(ctx context.Context, jobID, reason string) (*Job, error) {
	j, err := c.store.Transition(ctx, jobID, []Status{StatusQueued, StatusRunning}, StatusFailed)
	if err != nil {
		return nil, err
	}
	j.Error = reason

	if err := c.releaseTolerant(ctx, j, reason); err != nil {
		c.logger.Error("failed to release hold for failed job", "jobId", j.ID, "error", err)
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
	c.notify(j)
	return j, nil
}

// CleanupStale fails running jobs that have seen no update within the stale
// threshold and returns their held credits. The owner is never left silently
// charged for an undelivered result.
func (c *Coordinator) CleanupStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.staleAfter)
	stale, err := c.store.ListStaleRunning(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, j := range stale {
		failed, err := c.store.FailStale(ctx, j.ID, "no result before deadline", cutoff)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				// A result squeaked in between the list and the sweep.
				continue
			}
			c.logger.Warn("failed to sweep stale job", "jobId", j.ID, "error", err)
			continue
		}

		if err := c.releaseTolerant(ctx, failed, "stale_sweep"); err != nil {
			c.logger.Error("failed to release hold for swept job", "jobId", failed.ID, "error", err)
		}

		metrics.StaleJobsSweptTotal.Inc()
		metrics.JobTransitionsTotal.WithLabelValues(string(StatusFailed)).Inc()
		c.notify(failed)
		swept++
	}
	return swept, nil
}

// ReconcileHolds settles holds whose job reached a terminal status without
// the hold being consumed. FinalizeDelivery and the wallet settlement are
// separate writes, so a crash between them (or a settlement that exhausted
// its retries) leaves a done or failed job with an open hold. Movements are
// idempotent per ref, so re-settling here cannot double-apply.
func (c *Coordinator) ReconcileHolds(ctx context.Context) (int, error) {
	// Holds younger than the delivery lease may still be settled by the
	// path that placed them.
	cutoff := time.Now().Add(-c.lease)
	holds, err := c.wallet.OpenHolds(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, h := range holds {
		j, err := c.store.Get(ctx, h.Ref)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.logger.Warn("open hold references no job", "ref", h.Ref, "ownerId", h.OwnerID)
				continue
			}
			return settled, err
		}

		switch j.Status {
		case StatusDone:
			err = c.wallet.Charge(ctx, j.OwnerID, j.Price, j.ID, "hold_reconcile")
		case StatusFailed, StatusCanceled:
			err = c.releaseTolerant(ctx, j, "hold_reconcile")
		default:
			// Still in flight; the stale sweep covers jobs that never finish.
			continue
		}
		if err != nil && !errors.Is(err, wallet.ErrHoldConsumed) {
			c.logger.Error("failed to reconcile hold", "jobId", j.ID, "status", j.Status, "error", err)
			continue
		}

		metrics.HoldsReconciledTotal.Inc()
		c.logger.Info("reconciled orphaned hold", "jobId", j.ID, "status", j.Status, "amount", h.Amount)
		settled++
	}
	return settled, nil
}

// Get returns a job by id.
func (c *Coordinator) Get(ctx context.Context, jobID string) (*Job, error) {
	return c.store.Get(ctx, jobID)
}

// Resolve looks a job up by id first, then by provider task id.
func (c *Coordinator) Resolve(ctx context.Context, ref string) (*Job, error) {
	j, err := c.store.Get(ctx, ref)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return c.store.GetByProviderTaskID(ctx, ref)
}

// settle charges or refunds the hold after a successful delivery. Movements
// are idempotent per ref, so the bounded retry is safe.
func (c *Coordinator) settle(ctx context.Context, j *Job, success bool) error {
	op := c.wallet.Refund
	if success {
		op = c.wallet.Charge
	}

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return op(ctx, j.OwnerID, j.Price, j.ID, "job_settlement")
	})
	if err != nil {
		c.logger.Error("failed to settle hold for delivered job",
			"jobId", j.ID, "success", success, "error", err)
		return fmt.Errorf("settling job %s: %w", j.ID, err)
	}
	return nil
}

// releaseTolerant releases the job's hold, treating a missing or already
// consumed hold as a no-op (the hold may never have been placed, or the
// other settlement path won).
func (c *Coordinator) releaseTolerant(ctx context.Context, j *Job, meta string) error {
	err := c.wallet.Release(ctx, j.OwnerID, j.Price, j.ID, meta)
	if err == nil || errors.Is(err, wallet.ErrNoMatchingHold) || errors.Is(err, wallet.ErrHoldConsumed) {
		return nil
	}
	return err
}

func (c *Coordinator) notify(j *Job) {
	if c.notifier != nil {
		c.notifier.JobEvent(j)
	}
}

func generateJobID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
