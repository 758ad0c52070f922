package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	key := "provider"

	for i := 0; i < 2; i++ {
		b.RecordFailure(key)
		if !b.Allow(key) {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Error("breaker should be open after reaching threshold")
	}
	if b.State(key) != StateOpen {
		t.Errorf("state = %v, want open", b.State(key))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	key := "delivery"

	b.RecordFailure(key)
	if b.Allow(key) {
		t.Fatal("breaker should be open")
	}

	time.Sleep(15 * time.Millisecond)

	if !b.Allow(key) {
		t.Fatal("breaker should allow one probe after openDuration")
	}
	if b.State(key) != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State(key))
	}
	// Second request during the probe is rejected.
	if b.Allow(key) {
		t.Error("breaker should reject while probing")
	}

	b.RecordSuccess(key)
	if b.State(key) != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State(key))
	}
	if !b.Allow(key) {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, 5*time.Millisecond)
	key := "provider"

	b.RecordFailure(key)
	time.Sleep(10 * time.Millisecond)
	if !b.Allow(key) {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure(key)
	if b.State(key) != StateOpen {
		t.Errorf("state after failed probe = %v, want open", b.State(key))
	}
}

func TestBreaker_UnknownKeyIsClosed(t *testing.T) {
	b := New(5, time.Minute)
	if !b.Allow("never-seen") {
		t.Error("unknown key should be allowed")
	}
	if b.State("never-seen") != StateClosed {
		t.Error("unknown key should report closed")
	}
	b.RecordSuccess("never-seen") // no-op, must not panic
}
