package health

import (
	"context"
	"testing"
)

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}

func TestCheckAll_AggregatesFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("provider", func(ctx context.Context) Status {
		return Status{Name: "provider", Healthy: false, Detail: "dial timeout"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("registry with a failing checker should be unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "dial timeout" {
		t.Errorf("detail = %q, want dial timeout", statuses[1].Detail)
	}
}
