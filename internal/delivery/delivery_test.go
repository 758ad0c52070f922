package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musebot/muse/internal/circuitbreaker"
	"github.com/musebot/muse/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnDeliveryReady_SignedPush(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Muse-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "s3cret", circuitbreaker.New(5, time.Minute), testLogger())
	err := wh.OnDeliveryReady(context.Background(), 42, "job-1", job.Outcome{Success: true, Result: "https://cdn/x.png"})
	require.NoError(t, err)

	var notice Notice
	require.NoError(t, json.Unmarshal(gotBody, &notice))
	assert.Equal(t, "job-1", notice.JobID)
	assert.Equal(t, int64(42), notice.OwnerID)
	assert.True(t, notice.Success)

	assert.True(t, Verify(gotBody, "s3cret", gotSig), "signature must verify against the exact payload")
	assert.False(t, Verify(gotBody, "wrong", gotSig))
}

func TestOnDeliveryReady_GatewayErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", circuitbreaker.New(5, time.Minute), testLogger())
	err := wh.OnDeliveryReady(context.Background(), 1, "job-1", job.Outcome{Success: true})
	assert.Error(t, err, "the coordinator must not finalize on a failed push")
}

func TestOnDeliveryReady_BreakerOpens(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", circuitbreaker.New(1, time.Minute), testLogger())
	ctx := context.Background()

	require.Error(t, wh.OnDeliveryReady(ctx, 1, "job-1", job.Outcome{}))
	before := calls
	require.Error(t, wh.OnDeliveryReady(ctx, 1, "job-2", job.Outcome{}))
	assert.Equal(t, before, calls, "open breaker must not touch the wire")
}

func TestOnDeliveryReady_UnsignedWithoutSecret(t *testing.T) {
	var sawSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSig = r.Header.Get("X-Muse-Signature") != ""
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", circuitbreaker.New(5, time.Minute), testLogger())
	require.NoError(t, wh.OnDeliveryReady(context.Background(), 1, "job-1", job.Outcome{Success: false, Error: "e"}))
	assert.False(t, sawSig)
}
