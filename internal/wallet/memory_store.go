package wallet

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in memory. Used when no DATABASE_URL is set
// and throughout the unit tests.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[int64]*Account
	movements []*Movement
	applied   map[string]bool // kind+"\x00"+ref
}

// NewMemoryStore creates an empty in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*Account),
		applied:  make(map[string]bool),
	}
}

func refKey(kind Kind, ref string) string {
	return string(kind) + "\x00" + ref
}

// account returns the owner's account, creating it on first touch.
// Caller must hold m.mu.
func (m *MemoryStore) account(ownerID int64) *Account {
	acct, ok := m.accounts[ownerID]
	if !ok {
		acct = &Account{OwnerID: ownerID, UpdatedAt: time.Now()}
		m.accounts[ownerID] = acct
	}
	return acct
}

// record appends the movement and marks its ref applied.
// Caller must hold m.mu.
func (m *MemoryStore) record(ownerID, amount int64, kind Kind, ref, meta string) {
	m.applied[refKey(kind, ref)] = true
	m.movements = append(m.movements, &Movement{
		ID:        generateID(),
		OwnerID:   ownerID,
		Kind:      kind,
		Amount:    amount,
		Ref:       ref,
		Status:    StatusApplied,
		Meta:      meta,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) GetAccount(ctx context.Context, ownerID int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if acct, ok := m.accounts[ownerID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &Account{OwnerID: ownerID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Topup(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[refKey(KindTopup, ref)] {
		return ErrDuplicateRef
	}
	acct := m.account(ownerID)
	acct.Available += amount
	acct.UpdatedAt = time.Now()
	m.record(ownerID, amount, KindTopup, ref, meta)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[refKey(KindHold, ref)] {
		return ErrDuplicateRef
	}
	acct := m.account(ownerID)
	if acct.Available-acct.Held < amount {
		return ErrInsufficientFunds
	}
	acct.Held += amount
	acct.UpdatedAt = time.Now()
	m.record(ownerID, amount, KindHold, ref, meta)
	return nil
}

func (m *MemoryStore) Charge(ctx context.Context, ownerID, amount int64, ref, meta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[refKey(KindCharge, ref)] {
		return ErrDuplicateRef
	}
	if !m.applied[refKey(KindHold, ref)] {
		return ErrNoMatchingHold
	}
	if m.consumed(ref) {
		return ErrHoldConsumed
	}
	acct := m.account(ownerID)
	if acct.Held < amount || acct.Available < amount {
		return ErrNoMatchingHold
	}
	acct.Held -= amount
	acct.Available -= amount
	acct.UpdatedAt = time.Now()
	m.record(ownerID, amount, KindCharge, ref, meta)
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, ownerID, amount int64, ref string, kind Kind, meta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied[refKey(kind, ref)] {
		return ErrDuplicateRef
	}
	if !m.applied[refKey(KindHold, ref)] {
		return ErrNoMatchingHold
	}
	if m.consumed(ref) {
		return ErrHoldConsumed
	}
	acct := m.account(ownerID)
	if acct.Held < amount {
		return ErrNoMatchingHold
	}
	acct.Held -= amount
	acct.UpdatedAt = time.Now()
	m.record(ownerID, amount, kind, ref, meta)
	return nil
}

// consumed reports whether a charge, refund, or release already settled ref.
// Caller must hold m.mu.
func (m *MemoryStore) consumed(ref string) bool {
	return m.applied[refKey(KindCharge, ref)] ||
		m.applied[refKey(KindRefund, ref)] ||
		m.applied[refKey(KindRelease, ref)]
}

func (m *MemoryStore) OpenHolds(ctx context.Context, olderThan time.Time, limit int) ([]OpenHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OpenHold
	for _, mv := range m.movements {
		if len(out) >= limit {
			break
		}
		if mv.Kind != KindHold || !mv.CreatedAt.Before(olderThan) || m.consumed(mv.Ref) {
			continue
		}
		out = append(out, OpenHold{
			OwnerID:   mv.OwnerID,
			Ref:       mv.Ref,
			Amount:    mv.Amount,
			CreatedAt: mv.CreatedAt,
		})
	}
	return out, nil
}

func (m *MemoryStore) Movements(ctx context.Context, ownerID int64, limit int) ([]*Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Movement
	for i := len(m.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if m.movements[i].OwnerID == ownerID {
			cp := *m.movements[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
