// Package delivery pushes finished results to the product's bot gateway.
// The push is synchronous and its error return matters: the job
// coordinator only finalizes a job after the push succeeded, so the
// deliverer must never claim success it didn't have.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/musebot/muse/internal/circuitbreaker"
	"github.com/musebot/muse/internal/job"
	"github.com/musebot/muse/internal/metrics"
	"github.com/musebot/muse/internal/traces"
)

const breakerKey = "delivery"

// Notice is the payload pushed to the gateway for a finished job.
type Notice struct {
	JobID     string    `json:"jobId"`
	OwnerID   int64     `json:"ownerId"`
	Success   bool      `json:"success"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Webhook delivers results over a signed HTTP POST.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewWebhook creates a webhook deliverer. secret may be empty, in which
// case payloads go unsigned (dev mode).
func NewWebhook(url, secret string, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger,
	}
}

// OnDeliveryReady pushes the outcome to the gateway. An error here tells
// the coordinator to leave its delivery lease to expire and retry later.
func (w *Webhook) OnDeliveryReady(ctx context.Context, ownerID int64, jobID string, outcome job.Outcome) error {
	ctx, span := traces.StartSpan(ctx, "delivery.push", traces.JobID(jobID), traces.OwnerID(ownerID))
	defer span.End()

	if !w.breaker.Allow(breakerKey) {
		return fmt.Errorf("delivery gateway circuit open")
	}

	notice := Notice{
		JobID:     jobID,
		OwnerID:   ownerID,
		Success:   outcome.Success,
		Result:    outcome.Result,
		Error:     outcome.Error,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshaling delivery notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Muse-Timestamp", fmt.Sprintf("%d", notice.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Muse-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure(breakerKey)
		metrics.DeliveriesTotal.WithLabelValues("push_error").Inc()
		return fmt.Errorf("delivering job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.breaker.RecordFailure(breakerKey)
		metrics.DeliveriesTotal.WithLabelValues("push_rejected").Inc()
		return fmt.Errorf("delivery gateway returned status %d for job %s", resp.StatusCode, jobID)
	}

	w.breaker.RecordSuccess(breakerKey)
	w.logger.Debug("result delivered", "jobId", jobID, "ownerId", ownerID, "success", outcome.Success)
	return nil
}

// Sign computes the hex HMAC-SHA256 of payload under secret. The gateway
// verifies it with the shared secret before trusting the notice.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret, in
// constant time.
func Verify(payload []byte, secret, signature string) bool {
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Compile-time assertion that Webhook implements the coordinator's
// Deliverer contract.
var _ job.Deliverer = (*Webhook)(nil)
