package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RoleChecker reports whether this instance currently holds leadership.
// The sweeper only runs on the leader; followers keep the loop ticking so
// a promotion takes effect on the next tick without restart.
type RoleChecker interface {
	IsLeader() bool
}

// Sweeper periodically fails running jobs that have gone stale and settles
// holds orphaned by an interrupted delivery settlement.
type Sweeper struct {
	coordinator *Coordinator
	role        RoleChecker
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewSweeper creates a stale-job sweeper.
func NewSweeper(coordinator *Coordinator, role RoleChecker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		coordinator: coordinator,
		role:        role,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in job sweeper", "panic", fmt.Sprint(r))
		}
	}()

	if s.role != nil && !s.role.IsLeader() {
		return
	}

	swept, err := s.coordinator.CleanupStale(ctx)
	if err != nil {
		s.logger.Warn("stale job sweep failed", "error", err)
	} else if swept > 0 {
		s.logger.Info("swept stale jobs", "count", swept)
	}

	settled, err := s.coordinator.ReconcileHolds(ctx)
	if err != nil {
		s.logger.Warn("hold reconciliation failed", "error", err)
	} else if settled > 0 {
		s.logger.Info("reconciled orphaned holds", "count", settled)
	}
}
