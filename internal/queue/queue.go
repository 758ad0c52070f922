// Package queue is the fast-ack ingestion path between transport handlers
// and domain processing. Handlers hand an event to Enqueue and ack the
// caller immediately; worker goroutines do the real work. The queue is a
// bounded in-memory channel: when it is full the event is dropped and
// counted, never blocked on, because a wedged transport handler is worse
// than a lost event (every event has a durable fallback path).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/musebot/muse/internal/metrics"
	"github.com/musebot/muse/internal/traces"
)

// Event is one unit of ingested work.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload"`
	Seq        uint64    `json:"seq"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Result reports whether Enqueue kept the event.
type Result int

const (
	Accepted Result = iota
	Dropped
)

// Handler processes a dequeued event. A returned error is logged and the
// event is not retried; replay safety comes from downstream idempotency,
// not from the queue.
type Handler func(ctx context.Context, ev Event) error

// RoleChecker gates side-effecting dispatch to the leader. Re-read at
// dispatch time, not enqueue time: role can change while an event waits.
type RoleChecker interface {
	IsLeader() bool
}

// DedupStore remembers processed event IDs across restarts. MarkProcessed
// is atomic record-and-report: it returns true only for the first caller
// with a given id. Unmark forgets an id whose handler failed, so a retry
// with the same id is not skipped as a duplicate.
type DedupStore interface {
	MarkProcessed(ctx context.Context, id string, at time.Time) (bool, error)
	Unmark(ctx context.Context, id string) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Config carries queue tuning.
type Config struct {
	Capacity       int           // default 100
	Workers        int           // default 3
	FollowerKinds  []string      // kinds a follower may still process
	DedupRetention time.Duration // processed-id retention window (default 24h)
}

// Queue owns the channel, the workers, and the dedup janitor.
type Queue struct {
	ch      chan Event
	mu      sync.RWMutex
	handler map[string]Handler
	role    RoleChecker
	dedup   DedupStore
	allowed map[string]bool
	logger  *slog.Logger

	workers   int
	retention time.Duration

	seq     atomic.Uint64
	dropped atomic.Uint64
	stop    chan struct{}
}

// New creates a queue. Register handlers before Start.
func New(cfg Config, role RoleChecker, dedup DedupStore, logger *slog.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.DedupRetention <= 0 {
		cfg.DedupRetention = 24 * time.Hour
	}

	allowed := make(map[string]bool, len(cfg.FollowerKinds))
	for _, k := range cfg.FollowerKinds {
		allowed[k] = true
	}

	return &Queue{
		ch:        make(chan Event, cfg.Capacity),
		handler:   make(map[string]Handler),
		role:      role,
		dedup:     dedup,
		allowed:   allowed,
		logger:    logger,
		workers:   cfg.Workers,
		retention: cfg.DedupRetention,
		stop:      make(chan struct{}),
	}
}

// Register sets the handler for an event kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler[kind] = h
}

// Enqueue offers an event to the queue without ever blocking. The caller
// has typically already promised its transport a fast ack, so a full
// queue drops the event and the drop is counted.
func (q *Queue) Enqueue(ev Event) Result {
	ev.Seq = q.seq.Add(1)
	ev.EnqueuedAt = time.Now()

	select {
	case q.ch <- ev:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return Accepted
	default:
		q.dropped.Add(1)
		metrics.QueueDroppedTotal.Inc()
		q.logger.Warn("queue full, dropping event", "eventId", ev.ID, "kind", ev.Kind)
		return Dropped
	}
}

// Depth returns the number of events currently waiting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Dropped returns the number of events dropped since start.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Start launches the worker pool and the dedup janitor. It blocks until
// ctx is canceled or Stop is called, then waits for in-flight handlers.
func (q *Queue) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.workerLoop(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.janitorLoop(ctx)
	}()

	wg.Wait()
}

// Stop signals the workers to exit.
func (q *Queue) Stop() {
	close(q.stop)
}

func (q *Queue) workerLoop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case ev := <-q.ch:
			metrics.QueueDepth.Set(float64(len(q.ch)))
			q.safeDispatch(ctx, ev)
		}
	}
}

func (q *Queue) safeDispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in queue worker", "eventId", ev.ID, "kind", ev.Kind, "panic", fmt.Sprint(r))
			metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "panic").Inc()
		}
	}()
	q.dispatch(ctx, ev)
}

func (q *Queue) dispatch(ctx context.Context, ev Event) {
	ctx, span := traces.StartSpan(ctx, "queue.dispatch", traces.EventKind(ev.Kind))
	defer span.End()

	// Role is re-checked here, at dispatch time. An event enqueued while
	// this instance was leader may be dispatched after demotion; a
	// follower only processes explicitly allow-listed kinds.
	if q.role != nil && !q.role.IsLeader() && !q.allowed[ev.Kind] {
		q.logger.Info("rejecting event on follower", "eventId", ev.ID, "kind", ev.Kind)
		metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "follower_rejected").Inc()
		return
	}

	marked := false
	if q.dedup != nil && ev.ID != "" {
		first, err := q.dedup.MarkProcessed(ctx, ev.ID, time.Now())
		if err != nil {
			// Can't prove the event is fresh; process anyway and let the
			// domain layer's idempotency absorb a potential replay.
			q.logger.Warn("dedup check failed, processing anyway", "eventId", ev.ID, "error", err)
		} else if !first {
			q.logger.Debug("skipping duplicate event", "eventId", ev.ID, "kind", ev.Kind)
			metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "duplicate").Inc()
			return
		} else {
			marked = true
		}
	}

	q.mu.RLock()
	h, ok := q.handler[ev.Kind]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn("no handler for event kind", "eventId", ev.ID, "kind", ev.Kind)
		metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "unhandled").Inc()
		return
	}

	if err := h(ctx, ev); err != nil {
		// Forget the id so a retry with the same id gets processed. An id
		// that stays marked would make every retry a silent duplicate for
		// the rest of the retention window.
		if marked {
			if unmarkErr := q.dedup.Unmark(ctx, ev.ID); unmarkErr != nil {
				q.logger.Warn("failed to unmark event after handler error", "eventId", ev.ID, "error", unmarkErr)
			}
		}
		q.logger.Error("event handler failed", "eventId", ev.ID, "kind", ev.Kind, "error", err)
		metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "error").Inc()
		return
	}
	metrics.QueueDispatchTotal.WithLabelValues(ev.Kind, "ok").Inc()
}

func (q *Queue) janitorLoop(ctx context.Context) {
	if q.dedup == nil {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
			pruned, err := q.dedup.Prune(ctx, time.Now().Add(-q.retention))
			if err != nil {
				q.logger.Warn("failed to prune processed events", "error", err)
				continue
			}
			if pruned > 0 {
				q.logger.Info("pruned processed events", "count", pruned)
			}
		}
	}
}
