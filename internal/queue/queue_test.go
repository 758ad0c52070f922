package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRole struct{ leader atomic.Bool }

func (f *fakeRole) IsLeader() bool { return f.leader.Load() }

type recorder struct {
	mu   sync.Mutex
	seen []Event
}

func (r *recorder) handler(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func leaderRole() *fakeRole {
	r := &fakeRole{}
	r.leader.Store(true)
	return r
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	q := New(Config{Capacity: 2}, leaderRole(), nil, testLogger())
	// No workers running: the channel fills.

	if got := q.Enqueue(Event{ID: "a", Kind: "k"}); got != Accepted {
		t.Fatalf("first enqueue: got %v", got)
	}
	if got := q.Enqueue(Event{ID: "b", Kind: "k"}); got != Accepted {
		t.Fatalf("second enqueue: got %v", got)
	}
	if got := q.Enqueue(Event{ID: "c", Kind: "k"}); got != Dropped {
		t.Fatalf("third enqueue on full queue: got %v", got)
	}

	if q.Depth() != 2 {
		t.Fatalf("Depth = %d, want 2", q.Depth())
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", q.Dropped())
	}

	// Accepted events are intact; the dropped one is simply gone.
	if got := <-q.ch; got.ID != "a" {
		t.Fatalf("head of queue = %s, want a", got.ID)
	}
}

func TestEnqueue_NeverBlocks(t *testing.T) {
	q := New(Config{Capacity: 1}, leaderRole(), nil, testLogger())
	q.Enqueue(Event{ID: "fill", Kind: "k"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.Enqueue(Event{ID: "x", Kind: "k"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if q.Dropped() != 1000 {
		t.Fatalf("Dropped = %d, want 1000", q.Dropped())
	}
}

func TestDispatch_RoutesByKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(Config{Workers: 2}, leaderRole(), nil, testLogger())
	confirms := &recorder{}
	results := &recorder{}
	q.Register("job.confirm", confirms.handler)
	q.Register("provider.result", results.handler)
	go q.Start(ctx)

	q.Enqueue(Event{ID: "e1", Kind: "job.confirm"})
	q.Enqueue(Event{ID: "e2", Kind: "provider.result"})
	q.Enqueue(Event{ID: "e3", Kind: "provider.result"})
	q.Enqueue(Event{ID: "e4", Kind: "no.such.kind"}) // logged, not fatal

	waitFor(t, time.Second, func() bool {
		return confirms.count() == 1 && results.count() == 2
	}, "events not routed to their handlers")
}

func TestDispatch_FollowerRejectsUnlessAllowed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	role := &fakeRole{} // follower
	q := New(Config{Workers: 1, FollowerKinds: []string{"job.status"}}, role, nil, testLogger())
	rec := &recorder{}
	q.Register("job.confirm", rec.handler)
	q.Register("job.status", rec.handler)
	go q.Start(ctx)

	q.Enqueue(Event{ID: "e1", Kind: "job.confirm"}) // rejected on follower
	q.Enqueue(Event{ID: "e2", Kind: "job.status"})  // allow-listed

	waitFor(t, time.Second, func() bool { return rec.count() == 1 }, "allow-listed event not processed")
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("follower processed a non-allow-listed event: count = %d", rec.count())
	}
}

func TestDispatch_RoleReadAtDispatchTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	role := leaderRole()
	q := New(Config{Workers: 1}, role, nil, testLogger())
	rec := &recorder{}
	q.Register("job.confirm", rec.handler)

	// Enqueued while leader, demoted before any worker runs.
	q.Enqueue(Event{ID: "e1", Kind: "job.confirm"})
	role.leader.Store(false)
	go q.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("event enqueued as leader was processed after demotion")
	}
}

func TestDispatch_DeduplicatesByEventID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(Config{Workers: 1}, leaderRole(), NewMemoryDedup(), testLogger())
	rec := &recorder{}
	q.Register("provider.result", rec.handler)
	go q.Start(ctx)

	for i := 0; i < 5; i++ {
		q.Enqueue(Event{ID: "same-event", Kind: "provider.result"})
	}
	q.Enqueue(Event{ID: "other-event", Kind: "provider.result"})

	waitFor(t, time.Second, func() bool { return rec.count() == 2 }, "deduped events not processed")
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("duplicate event processed: count = %d, want 2", rec.count())
	}
}

func TestDispatch_HandlerErrorAllowsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(Config{Workers: 1}, leaderRole(), NewMemoryDedup(), testLogger())
	var attempts atomic.Int32
	rec := &recorder{}
	q.Register("job.confirm", func(ctx context.Context, ev Event) error {
		if attempts.Add(1) == 1 {
			return context.DeadlineExceeded // transient store failure
		}
		return rec.handler(ctx, ev)
	})
	go q.Start(ctx)

	// Confirm events carry a deterministic id, so a failed attempt must
	// not leave the id marked: the user's retry would be skipped as a
	// duplicate for the rest of the retention window.
	q.Enqueue(Event{ID: "confirm:job-1", Kind: "job.confirm"})
	waitFor(t, time.Second, func() bool { return attempts.Load() == 1 }, "first attempt not dispatched")

	q.Enqueue(Event{ID: "confirm:job-1", Kind: "job.confirm"})
	waitFor(t, time.Second, func() bool { return rec.count() == 1 }, "retry after handler error skipped as duplicate")

	// Once the handler has succeeded the id deduplicates again.
	q.Enqueue(Event{ID: "confirm:job-1", Kind: "job.confirm"})
	time.Sleep(20 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("replay after success was processed: count = %d, want 1", rec.count())
	}
}

func TestDispatch_PanicInHandlerDoesNotKillWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(Config{Workers: 1}, leaderRole(), nil, testLogger())
	rec := &recorder{}
	q.Register("bad", func(ctx context.Context, ev Event) error { panic("boom") })
	q.Register("good", rec.handler)
	go q.Start(ctx)

	q.Enqueue(Event{ID: "e1", Kind: "bad"})
	q.Enqueue(Event{ID: "e2", Kind: "good"})

	waitFor(t, time.Second, func() bool { return rec.count() == 1 },
		"worker died after handler panic")
}

func TestMemoryDedup_PruneRespectsRetention(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()

	first, err := d.MarkProcessed(ctx, "old", time.Now().Add(-48*time.Hour))
	if err != nil || !first {
		t.Fatalf("MarkProcessed old: first=%v err=%v", first, err)
	}
	first, err = d.MarkProcessed(ctx, "fresh", time.Now())
	if err != nil || !first {
		t.Fatalf("MarkProcessed fresh: first=%v err=%v", first, err)
	}

	pruned, err := d.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	// The pruned id can be processed again; the fresh one cannot.
	if first, _ := d.MarkProcessed(ctx, "old", time.Now()); !first {
		t.Fatal("pruned id should be processable again")
	}
	if first, _ := d.MarkProcessed(ctx, "fresh", time.Now()); first {
		t.Fatal("fresh id must still be deduplicated")
	}
}
