package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musebot/muse/internal/wallet"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	calls     int
	failFirst int // fail the first N deliveries
}

func (d *fakeDeliverer) OnDeliveryReady(ctx context.Context, ownerID int64, jobID string, outcome Outcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failFirst {
		return errors.New("push failed")
	}
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type testEnv struct {
	coordinator *Coordinator
	jobs        *MemoryStore
	wallet      *wallet.Service
	deliverer   *fakeDeliverer
}

func newTestEnv(t *testing.T, lease, staleAfter time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := wallet.NewService(wallet.NewMemoryStore(), logger)
	jobs := NewMemoryStore()
	d := &fakeDeliverer{}
	return &testEnv{
		coordinator: NewCoordinator(jobs, w, d, logger, lease, staleAfter),
		jobs:        jobs,
		wallet:      w,
		deliverer:   d,
	}
}

// runningJob drives a funded job to running and returns it.
func (e *testEnv) runningJob(t *testing.T, ctx context.Context, ownerID, balance, price int64, taskID string) *Job {
	t.Helper()
	require.NoError(t, e.wallet.Topup(ctx, ownerID, balance, "topup-"+taskID, ""))

	j, err := e.coordinator.CreateJob(ctx, ownerID, "a painting of a fox", price, "req-"+taskID)
	require.NoError(t, err)
	_, err = e.coordinator.ConfirmAndQueue(ctx, j.ID)
	require.NoError(t, err)
	j, err = e.coordinator.MarkRunning(ctx, j.ID, taskID)
	require.NoError(t, err)
	return j
}

func TestCreateJob_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	first, err := env.coordinator.CreateJob(ctx, 7, "a haiku about rain", 10, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, first.Status)

	second, err := env.coordinator.CreateJob(ctx, 7, "a haiku about rain", 10, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same idempotency key must return the same job")

	_, err = env.coordinator.CreateJob(ctx, 7, "free lunch", 0, "req-2")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestLifecycle_SuccessfulDelivery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j := env.runningJob(t, ctx, 1, 100, 40, "task-1")

	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true, Result: "https://cdn/img.png"}))

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, "https://cdn/img.png", got.Result)

	acct, err := env.wallet.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), acct.Available)
	assert.Equal(t, int64(0), acct.Held)

	// Replaying the result is a no-op: lease lost, no second delivery.
	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))
	assert.Equal(t, 1, env.deliverer.count())
}

func TestCompleteFromResult_ByProviderTaskID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j := env.runningJob(t, ctx, 2, 50, 25, "task-xyz")

	require.NoError(t, env.coordinator.CompleteFromResult(ctx, "task-xyz", Outcome{Success: true}))

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
}

func TestConfirm_InsufficientFundsRevertsTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j, err := env.coordinator.CreateJob(ctx, 3, "an opera", 500, "req-poor")
	require.NoError(t, err)

	_, err = env.coordinator.ConfirmAndQueue(ctx, j.ID)
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status, "failed hold must revert the queued transition")
}

func TestMarkRunning_SecondCallerLoses(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	require.NoError(t, env.wallet.Topup(ctx, 4, 100, "topup-b", ""))

	j, err := env.coordinator.CreateJob(ctx, 4, "a jingle", 20, "req-b")
	require.NoError(t, err)
	_, err = env.coordinator.ConfirmAndQueue(ctx, j.ID)
	require.NoError(t, err)

	// Two instances that both believe they are leader try to start the job.
	_, err1 := env.coordinator.MarkRunning(ctx, j.ID, "task-a")
	_, err2 := env.coordinator.MarkRunning(ctx, j.ID, "task-b")

	succeeded := 0
	for _, err := range []error{err1, err2} {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-a", got.ProviderTaskID, "the winner's task id sticks")
}

func TestCompleteFromResult_ConcurrentPathsDeliverOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j := env.runningJob(t, ctx, 5, 100, 30, "task-race")

	// Callback and poller (and their retries) race on the same result.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ref := j.ID
		if i%2 == 1 {
			ref = "task-race"
		}
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			err := env.coordinator.CompleteFromResult(ctx, ref, Outcome{Success: true, Result: "r"})
			assert.NoError(t, err)
		}(ref)
	}
	wg.Wait()

	assert.Equal(t, 1, env.deliverer.count(), "exactly one delivery")

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	require.NotNil(t, got.DeliveredAt)

	// Exactly one charge: 100 - 30, nothing held.
	acct, err := env.wallet.Balance(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(70), acct.Available)
	assert.Equal(t, int64(0), acct.Held)
}

func TestDeliveryFailure_LeaseExpiryAllowsRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 20*time.Millisecond, 0)
	env.deliverer.failFirst = 1

	j := env.runningJob(t, ctx, 6, 100, 10, "task-flaky")

	err := env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true})
	require.Error(t, err, "failed push surfaces to the caller")

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status, "job stays running until the push succeeds")
	assert.Nil(t, got.DeliveredAt)

	// While the lease is live no other attempt gets through.
	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))
	assert.Equal(t, 1, env.deliverer.count())

	// After expiry a retry reclaims the lease and finishes the job.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))

	got, err = env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 2, env.deliverer.count())
}

func TestCompleteFromResult_LostLeaseIsNoOp(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Minute, 0)

	j := env.runningJob(t, ctx, 12, 100, 20, "task-taken")

	// Another instance already claimed the delivery lease.
	_, err := env.jobs.ClaimDelivery(ctx, j.ID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))
	assert.Equal(t, 0, env.deliverer.count(), "losing path must not deliver")

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestReconcileHolds_ChargesInterruptedSettlement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10*time.Millisecond, 0)

	j := env.runningJob(t, ctx, 13, 100, 40, "task-crash")

	// Crash window: the delivery finalized but the process died before the
	// hold was charged.
	_, err := env.jobs.ClaimDelivery(ctx, j.ID, time.Minute)
	require.NoError(t, err)
	_, err = env.jobs.FinalizeDelivery(ctx, j.ID, Outcome{Success: true})
	require.NoError(t, err)

	acct, err := env.wallet.Balance(ctx, 13)
	require.NoError(t, err)
	require.Equal(t, int64(40), acct.Held, "hold is orphaned")

	// A hold younger than the lease may still be settled by its own path.
	settled, err := env.coordinator.ReconcileHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)

	time.Sleep(20 * time.Millisecond)
	settled, err = env.coordinator.ReconcileHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	acct, err = env.wallet.Balance(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, int64(60), acct.Available, "done job charges its hold")
	assert.Equal(t, int64(0), acct.Held)

	settled, err = env.coordinator.ReconcileHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, settled, "reconciliation is idempotent")
}

func TestReconcileHolds_RefundsInterruptedFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10*time.Millisecond, 0)

	j := env.runningJob(t, ctx, 14, 100, 25, "task-crash-fail")

	_, err := env.jobs.ClaimDelivery(ctx, j.ID, time.Minute)
	require.NoError(t, err)
	_, err = env.jobs.FinalizeDelivery(ctx, j.ID, Outcome{Success: false, Error: "model refused"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	settled, err := env.coordinator.ReconcileHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	acct, err := env.wallet.Balance(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Available, "failed job returns its hold")
	assert.Equal(t, int64(0), acct.Held)
}

func TestReconcileHolds_LeavesInFlightJobsAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 10*time.Millisecond, 0)

	env.runningJob(t, ctx, 15, 100, 30, "task-busy")
	time.Sleep(20 * time.Millisecond)

	settled, err := env.coordinator.ReconcileHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)

	acct, err := env.wallet.Balance(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, int64(30), acct.Held, "hold for a running job stays")
}

func TestFailedOutcome_RefundsHold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j := env.runningJob(t, ctx, 8, 100, 35, "task-sad")

	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: false, Error: "model refused"}))

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "model refused", got.Error)
	require.NotNil(t, got.DeliveredAt, "a failure notice is still a delivery")

	acct, err := env.wallet.Balance(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Available)
	assert.Equal(t, int64(0), acct.Held)
}

func TestCancel_ReleasesHold(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)
	require.NoError(t, env.wallet.Topup(ctx, 9, 100, "topup-c", ""))

	j, err := env.coordinator.CreateJob(ctx, 9, "a sonnet", 15, "req-c")
	require.NoError(t, err)
	_, err = env.coordinator.ConfirmAndQueue(ctx, j.ID)
	require.NoError(t, err)

	_, err = env.coordinator.Cancel(ctx, j.ID)
	require.NoError(t, err)

	acct, err := env.wallet.Balance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Available)
	assert.Equal(t, int64(0), acct.Held)

	// A job that already started refuses cancellation.
	running := env.runningJob(t, ctx, 9, 0, 10, "task-run")
	_, err = env.coordinator.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 0)

	j := env.runningJob(t, ctx, 10, 100, 10, "task-done")
	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))

	// The store itself refuses to move a finished job, even when the
	// from-list would match.
	for _, to := range []Status{StatusDraft, StatusQueued, StatusRunning, StatusCanceled} {
		_, err := env.jobs.Transition(ctx, j.ID, []Status{StatusDone}, to)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}

	_, err := env.coordinator.Cancel(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.coordinator.Fail(ctx, j.ID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.coordinator.MarkRunning(ctx, j.ID, "task-again")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
}

func TestCleanupStale_FailsAndReleases(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0, 30*time.Millisecond)

	j := env.runningJob(t, ctx, 11, 100, 45, "task-stuck")

	// Fresh running job is not swept.
	swept, err := env.coordinator.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	time.Sleep(50 * time.Millisecond)

	swept, err = env.coordinator.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := env.coordinator.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.DeliveredAt)

	acct, err := env.wallet.Balance(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Available, "hold returned to the owner")
	assert.Equal(t, int64(0), acct.Held)

	// Swept means the lifecycle ended; a late result cannot resurrect it.
	require.NoError(t, env.coordinator.CompleteFromResult(ctx, j.ID, Outcome{Success: true}))
	assert.Equal(t, 0, env.deliverer.count())
}
