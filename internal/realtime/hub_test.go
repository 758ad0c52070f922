package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/musebot/muse/internal/job"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func jobEvent(ownerID int64, status job.Status) *Event {
	return &Event{
		Type:      "job.status",
		Timestamp: time.Now(),
		Job:       &job.Job{ID: "j-1", OwnerID: ownerID, Status: status},
	}
}

// ---------------------------------------------------------------------------
// subscription filter tests
// ---------------------------------------------------------------------------

func TestWants_DefaultReceivesEverything(t *testing.T) {
	client := &Client{}

	if !client.wants(jobEvent(1, job.StatusQueued)) {
		t.Error("default subscription should receive all events")
	}
	if !client.wants(jobEvent(99, job.StatusFailed)) {
		t.Error("default subscription should receive all events")
	}
}

func TestWants_OwnerFilter(t *testing.T) {
	client := &Client{sub: Subscription{OwnerIDs: []int64{7}}}

	if !client.wants(jobEvent(7, job.StatusRunning)) {
		t.Error("should receive own jobs")
	}
	if client.wants(jobEvent(8, job.StatusRunning)) {
		t.Error("should NOT receive other owners' jobs")
	}
}

func TestWants_StatusFilter(t *testing.T) {
	client := &Client{sub: Subscription{Statuses: []job.Status{job.StatusDone, job.StatusFailed}}}

	if !client.wants(jobEvent(1, job.StatusDone)) {
		t.Error("should receive done events")
	}
	if !client.wants(jobEvent(1, job.StatusFailed)) {
		t.Error("should receive failed events")
	}
	if client.wants(jobEvent(1, job.StatusQueued)) {
		t.Error("should NOT receive queued events")
	}
}

func TestWants_CombinedFilters(t *testing.T) {
	client := &Client{sub: Subscription{
		OwnerIDs: []int64{7},
		Statuses: []job.Status{job.StatusDone},
	}}

	if !client.wants(jobEvent(7, job.StatusDone)) {
		t.Error("should receive matching events")
	}
	if client.wants(jobEvent(7, job.StatusQueued)) {
		t.Error("status filter must apply")
	}
	if client.wants(jobEvent(8, job.StatusDone)) {
		t.Error("owner filter must apply")
	}
}

// ---------------------------------------------------------------------------
// hub loop tests
// ---------------------------------------------------------------------------

func TestHub_BroadcastReachesClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4)}
	h.register <- client

	h.JobEvent(&job.Job{ID: "j-1", OwnerID: 1, Status: job.StatusQueued})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("client never received the broadcast")
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// send buffer of zero: the first broadcast already finds it full.
	client := &Client{hub: h, send: make(chan []byte)}
	h.register <- client

	h.JobEvent(&job.Job{ID: "j-1", OwnerID: 1, Status: job.StatusQueued})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("slow client was not evicted")
}

func TestHub_JobEventNeverBlocks(t *testing.T) {
	h := testHub() // Run not started: broadcast channel fills up

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			h.JobEvent(&job.Job{ID: "j", OwnerID: 1, Status: job.StatusQueued})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("JobEvent blocked on a full broadcast channel")
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- client

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			// Drain a pending message, the close must still arrive.
			if _, ok := <-client.send; ok {
				t.Fatal("send channel not closed on shutdown")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("client send channel never closed")
	}
}
