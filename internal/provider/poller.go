package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/musebot/muse/internal/job"
)

// TaskPoller is the slice of the client the poller needs.
type TaskPoller interface {
	Poll(ctx context.Context, taskID string) (*PollResult, error)
}

// Completer receives resolved outcomes. Implemented by the job coordinator;
// its delivery lease absorbs the overlap with callback-driven completion.
type Completer interface {
	CompleteFromResult(ctx context.Context, ref string, outcome job.Outcome) error
	Fail(ctx context.Context, jobID, reason string) (*job.Job, error)
}

// JobLister lists jobs awaiting results.
type JobLister interface {
	ListRunning(ctx context.Context, limit int) ([]*job.Job, error)
}

// RoleChecker gates polling to the leader.
type RoleChecker interface {
	IsLeader() bool
}

// Poller is the fallback for lost provider callbacks: it periodically asks
// the provider about every running job and feeds any finished outcome into
// the coordinator.
type Poller struct {
	client    TaskPoller
	jobs      JobLister
	completer Completer
	role      RoleChecker
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewPoller creates a fallback result poller.
func NewPoller(client TaskPoller, jobs JobLister, completer Completer, role RoleChecker, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Poller{
		client:    client,
		jobs:      jobs,
		completer: completer,
		role:      role,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in result poller", "panic", fmt.Sprint(r))
		}
	}()
	p.tick(ctx)
}

func (p *Poller) tick(ctx context.Context) {
	if p.role != nil && !p.role.IsLeader() {
		return
	}

	running, err := p.jobs.ListRunning(ctx, 100)
	if err != nil {
		p.logger.Warn("failed to list running jobs", "error", err)
		return
	}

	for _, j := range running {
		if j.ProviderTaskID == "" {
			continue
		}

		result, err := p.client.Poll(ctx, j.ProviderTaskID)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				// Breaker open; nothing more to learn this tick.
				return
			}
			if errors.Is(err, ErrTaskNotFound) {
				// The provider forgot the task: it will never finish.
				if _, failErr := p.completer.Fail(ctx, j.ID, "provider lost the task"); failErr != nil &&
					!errors.Is(failErr, job.ErrInvalidTransition) {
					p.logger.Warn("failed to fail orphaned job", "jobId", j.ID, "error", failErr)
				}
				continue
			}
			p.logger.Warn("failed to poll task", "jobId", j.ID, "taskId", j.ProviderTaskID, "error", err)
			continue
		}

		if result.Pending {
			continue
		}

		if err := p.completer.CompleteFromResult(ctx, j.ID, result.Outcome); err != nil {
			p.logger.Warn("failed to complete job from polled result", "jobId", j.ID, "error", err)
		}
	}
}
