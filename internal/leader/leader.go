// Package leader elects exactly one side-effect owner among overlapping
// instances (rolling deploys, crashed-but-lingering pods).
//
// The source of truth for exclusion is a session-scoped advisory lock held
// by the store; the leader_state row is advisory metadata (who, since when,
// last heartbeat) that followers read to detect a dead leader and force a
// takeover. Leadership is a hint for work scheduling, never for
// correctness: every state mutation elsewhere is guarded by conditional
// store writes, so a brief two-leader overlap cannot corrupt anything.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/musebot/muse/internal/metrics"
)

// Role is this instance's current standing in the election.
type Role int32

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// AcquireResult reports the outcome of a single acquisition attempt.
type AcquireResult int

const (
	// Acquired means this instance now holds the lock.
	Acquired AcquireResult = iota
	// AlreadyHeld means another live session holds the lock.
	AlreadyHeld
	// Timeout means the store could not be reached in time.
	Timeout
)

// HolderInfo is the advisory metadata followers read to judge leader health.
type HolderInfo struct {
	HolderID    string
	Pid         int
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// ErrNoHolder means no leader_state row exists yet.
var ErrNoHolder = errors.New("no leadership holder recorded")

// LockStore is the election backend. TryAcquire is non-blocking: it either
// takes the lock immediately or reports that it could not.
type LockStore interface {
	TryAcquire(ctx context.Context, holderID string) (AcquireResult, error)
	Heartbeat(ctx context.Context, holderID string) error
	Release(ctx context.Context, holderID string) error
	Holder(ctx context.Context) (*HolderInfo, error)
	// TerminateHolder forcibly ends the recorded holder's session so its
	// advisory lock drops. Used only after the heartbeat has gone stale.
	TerminateHolder(ctx context.Context, info *HolderInfo) error
}

// Config carries the controller's timing knobs.
type Config struct {
	InstanceID         string
	HeartbeatInterval  time.Duration // leader: heartbeat cadence (default 15s)
	AcquireRetryMax    time.Duration // follower: backoff cap during startup contention (default 5s)
	AcquireSteady      time.Duration // follower: steady-state retry period (default 75s)
	StaleAfter         time.Duration // heartbeat age that marks a leader dead (default 5m)
	TakeoverCheckEvery time.Duration // follower: staleness check cadence (default 1m)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.AcquireRetryMax <= 0 {
		out.AcquireRetryMax = 5 * time.Second
	}
	if out.AcquireSteady <= 0 {
		out.AcquireSteady = 75 * time.Second
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = 5 * time.Minute
	}
	if out.TakeoverCheckEvery <= 0 {
		out.TakeoverCheckEvery = time.Minute
	}
	return out
}

// Controller runs the election loop and exposes the instance's role.
type Controller struct {
	store  LockStore
	cfg    Config
	logger *slog.Logger
	role   atomic.Int32
	stop   chan struct{}
}

// NewController creates an election controller. It starts as a follower.
func NewController(store LockStore, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Role returns the current role. Safe for concurrent use.
func (c *Controller) Role() Role {
	return Role(c.role.Load())
}

// IsLeader reports whether this instance currently owns side effects.
func (c *Controller) IsLeader() bool {
	return c.Role() == RoleLeader
}

// Run drives the election until ctx is canceled. Call in a goroutine.
// Store errors are logged and retried; they never end the loop.
func (c *Controller) Run(ctx context.Context) {
	defer c.demote(context.WithoutCancel(ctx))

	backoff := 500 * time.Millisecond
	lastTakeoverCheck := time.Time{}

	for {
		if c.IsLeader() {
			if !c.sleep(ctx, c.cfg.HeartbeatInterval) {
				return
			}
			if err := c.store.Heartbeat(ctx, c.cfg.InstanceID); err != nil {
				// A failed heartbeat may mean the session (and with it the
				// advisory lock) is gone. Step down and re-contest rather
				// than risk acting as a zombie leader.
				c.logger.Warn("leadership heartbeat failed, stepping down",
					"instanceId", c.cfg.InstanceID, "error", err)
				c.setRole(RoleFollower)
				backoff = 500 * time.Millisecond
			}
			continue
		}

		result, err := c.store.TryAcquire(ctx, c.cfg.InstanceID)
		switch {
		case err != nil:
			c.logger.Warn("leadership acquire attempt failed", "error", err)
		case result == Acquired:
			c.logger.Info("acquired leadership", "instanceId", c.cfg.InstanceID)
			c.setRole(RoleLeader)
			backoff = 500 * time.Millisecond
			continue
		case result == Timeout:
			c.logger.Warn("leadership acquire timed out")
		}

		// Still a follower. Watch the recorded holder for staleness and
		// take over if it has died without releasing.
		if time.Since(lastTakeoverCheck) >= c.cfg.TakeoverCheckEvery {
			lastTakeoverCheck = time.Now()
			c.maybeTakeover(ctx)
		}

		wait := backoff
		if backoff < c.cfg.AcquireRetryMax {
			backoff *= 2
			if backoff > c.cfg.AcquireRetryMax {
				backoff = c.cfg.AcquireRetryMax
			}
		} else {
			wait = c.cfg.AcquireSteady
		}
		if !c.sleep(ctx, wait) {
			return
		}
	}
}

// Stop releases leadership and ends Run.
func (c *Controller) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

func (c *Controller) maybeTakeover(ctx context.Context) {
	info, err := c.store.Holder(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoHolder) {
			c.logger.Warn("failed to read leadership holder", "error", err)
		}
		return
	}

	age := time.Since(info.HeartbeatAt)
	if age < c.cfg.StaleAfter {
		return
	}

	c.logger.Warn("leader heartbeat is stale, forcing takeover",
		"holderId", info.HolderID, "heartbeatAge", age.Round(time.Second))

	if err := c.store.TerminateHolder(ctx, info); err != nil {
		c.logger.Error("failed to terminate stale leader", "holderId", info.HolderID, "error", err)
		return
	}
	metrics.LeaderTakeoversTotal.Inc()

	result, err := c.store.TryAcquire(ctx, c.cfg.InstanceID)
	if err != nil {
		c.logger.Warn("acquire after takeover failed", "error", err)
		return
	}
	if result == Acquired {
		c.logger.Info("acquired leadership after takeover", "instanceId", c.cfg.InstanceID)
		c.setRole(RoleLeader)
	}
}

func (c *Controller) setRole(r Role) {
	c.role.Store(int32(r))
	if r == RoleLeader {
		metrics.LeaderRole.Set(1)
	} else {
		metrics.LeaderRole.Set(0)
	}
}

func (c *Controller) demote(ctx context.Context) {
	if !c.IsLeader() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.store.Release(releaseCtx, c.cfg.InstanceID); err != nil {
		c.logger.Warn("failed to release leadership on shutdown", "error", err)
	}
	c.setRole(RoleFollower)
}

// sleep waits for d, returning false if the controller should exit.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	case <-timer.C:
		return true
	}
}
