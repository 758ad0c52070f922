package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for demo/development mode. It
// enforces the same conditional-write semantics as the Postgres store so
// coordinator behavior is identical in both modes.
type MemoryStore struct {
	jobs   map[string]*Job
	byKey  map[string]string // idempotency key → job id
	byTask map[string]string // provider task id → job id
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		byKey:  make(map[string]string),
		byTask: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.IdempotencyKey != "" {
		if _, ok := m.byKey[job.IdempotencyKey]; ok {
			return ErrIdempotencyConflict
		}
	}

	cp := *job
	m.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		m.byKey[job.IdempotencyKey] = job.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.jobs[id]
	return &cp, nil
}

func (m *MemoryStore) GetByProviderTaskID(ctx context.Context, taskID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.jobs[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.Terminal() || !statusIn(j.Status, from) {
		return nil, ErrInvalidTransition
	}

	j.Status = to
	j.UpdatedAt = time.Now()
	if to.Terminal() {
		now := j.UpdatedAt
		j.FinishedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) SetRunning(ctx context.Context, id, providerTaskID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusQueued {
		return nil, ErrInvalidTransition
	}

	j.Status = StatusRunning
	j.ProviderTaskID = providerTaskID
	j.UpdatedAt = time.Now()
	if providerTaskID != "" {
		m.byTask[providerTaskID] = id
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ClaimDelivery(ctx context.Context, id string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	claimable := j.Status == StatusRunning &&
		j.DeliveredAt == nil &&
		(j.DeliveryLockedAt == nil || now.Sub(*j.DeliveryLockedAt) > lease)
	if !claimable {
		return nil, ErrDeliveryLeaseLost
	}

	j.DeliveryLockedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FinalizeDelivery(ctx context.Context, id string, outcome Outcome) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusRunning || j.DeliveredAt != nil {
		return nil, ErrDeliveryLeaseLost
	}

	now := time.Now()
	if outcome.Success {
		j.Status = StatusDone
	} else {
		j.Status = StatusFailed
	}
	j.Result = outcome.Result
	j.Error = outcome.Error
	j.DeliveredAt = &now
	j.FinishedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) FailStale(ctx context.Context, id, errText string, updatedBefore time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusRunning || j.DeliveredAt != nil || !j.UpdatedAt.Before(updatedBefore) {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	j.Status = StatusFailed
	j.Error = errText
	j.FinishedAt = &now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListStaleRunning(ctx context.Context, updatedBefore time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning && j.UpdatedAt.Before(updatedBefore) {
			cp := *j
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListRunning(ctx context.Context, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Job
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			cp := *j
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
