package leader

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lock store for demo/development mode and
// tests. Controllers sharing one MemoryStore contend for the same lock,
// which is exactly how multi-instance races are simulated.
type MemoryStore struct {
	mu       sync.Mutex
	holder   string
	pid      int
	acquired time.Time
	beat     time.Time
}

// NewMemoryStore creates a new in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) TryAcquire(ctx context.Context, holderID string) (AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != "" && m.holder != holderID {
		return AlreadyHeld, nil
	}

	now := time.Now()
	if m.holder == "" {
		m.acquired = now
	}
	m.holder = holderID
	m.beat = now
	return Acquired, nil
}

func (m *MemoryStore) Heartbeat(ctx context.Context, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder != holderID {
		return ErrNoHolder
	}
	m.beat = time.Now()
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == holderID {
		m.holder = ""
	}
	return nil
}

func (m *MemoryStore) Holder(ctx context.Context) (*HolderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == "" {
		return nil, ErrNoHolder
	}
	return &HolderInfo{
		HolderID:    m.holder,
		Pid:         m.pid,
		AcquiredAt:  m.acquired,
		HeartbeatAt: m.beat,
	}, nil
}

func (m *MemoryStore) TerminateHolder(ctx context.Context, info *HolderInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holder == info.HolderID {
		m.holder = ""
	}
	return nil
}

// Compile-time assertion that MemoryStore implements LockStore.
var _ LockStore = (*MemoryStore)(nil)
