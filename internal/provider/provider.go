// Package provider talks to the third-party generation API. Results come
// back through two independent paths: the provider's webhook callback
// (handled by the job package's HTTP surface) and this package's fallback
// poller, which exists because callbacks get lost. Both paths converge on
// the job coordinator, whose delivery lease makes their race harmless.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/musebot/muse/internal/circuitbreaker"
	"github.com/musebot/muse/internal/job"
	"github.com/musebot/muse/internal/retry"
	"github.com/musebot/muse/internal/traces"
)

var (
	// ErrUnavailable means the breaker is open or the provider returned a
	// server error. Transient; callers retry or fall back to the poller.
	ErrUnavailable = errors.New("generation provider unavailable")
	// ErrTaskNotFound means the provider no longer knows the task.
	ErrTaskNotFound = errors.New("provider task not found")
	// ErrRejected means the provider refused the submission outright.
	ErrRejected = errors.New("generation request rejected by provider")
)

const breakerKey = "provider"

// PollResult is the provider's answer to a status query.
type PollResult struct {
	Pending bool
	Outcome job.Outcome
}

// Client is the HTTP client for the generation provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a provider client. The breaker trips after repeated
// failures so a dead provider doesn't tie up queue workers on timeouts.
func NewClient(baseURL, apiKey string, breaker *circuitbreaker.Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		breaker: breaker,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type submitRequest struct {
	JobID      string `json:"jobId"`
	Descriptor string `json:"descriptor"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
}

// Submit hands a confirmed job to the provider and returns its task id.
func (c *Client) Submit(ctx context.Context, jobID, descriptor string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "provider.submit", traces.JobID(jobID))
	defer span.End()

	if !c.breaker.Allow(breakerKey) {
		return "", ErrUnavailable
	}

	body, _ := json.Marshal(submitRequest{JobID: jobID, Descriptor: descriptor})

	var taskID string
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("submitting task: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			var out submitResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return retry.Permanent(fmt.Errorf("decoding submit response: %w", err))
			}
			if out.TaskID == "" {
				return retry.Permanent(fmt.Errorf("provider returned empty task id"))
			}
			taskID = out.TaskID
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return retry.Permanent(fmt.Errorf("%w: %s", ErrRejected, string(msg)))
		default:
			return fmt.Errorf("provider returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			// A refusal is the provider working as intended.
			c.breaker.RecordSuccess(breakerKey)
			return "", err
		}
		c.breaker.RecordFailure(breakerKey)
		return "", err
	}

	c.breaker.RecordSuccess(breakerKey)
	span.SetAttributes(traces.ProviderTaskID(taskID))
	return taskID, nil
}

type pollResponse struct {
	Status string `json:"status"` // pending | succeeded | failed
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Poll asks the provider for a task's status.
func (c *Client) Poll(ctx context.Context, taskID string) (*PollResult, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, ErrUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("polling task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		c.breaker.RecordSuccess(breakerKey)
		return nil, ErrTaskNotFound
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		c.breaker.RecordSuccess(breakerKey)
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	c.breaker.RecordSuccess(breakerKey)

	switch out.Status {
	case "pending", "running":
		return &PollResult{Pending: true}, nil
	case "succeeded":
		return &PollResult{Outcome: job.Outcome{Success: true, Result: out.Result}}, nil
	case "failed":
		return &PollResult{Outcome: job.Outcome{Success: false, Error: out.Error}}, nil
	default:
		return nil, fmt.Errorf("unknown task status %q", out.Status)
	}
}
