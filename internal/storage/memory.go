package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store.
type Memory struct {
	mu       sync.Mutex
	users    map[int64]User
	blocked  map[int64]time.Time
	states   map[int64]State
	payments map[string]Payment
	audit    []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		users:    map[int64]User{},
		blocked:  map[int64]time.Time{},
		states:   map[int64]State{},
		payments: map[string]Payment{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertUser(_ context.Context, u User) error {
	now := u.LastSeen
	if now.IsZero() {
		now = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		u.FirstSeen, u.LastSeen = now, now
		m.users[u.ID] = u
		return nil
	}
	if u.Username != "" {
		cur.Username = u.Username
	}
	if u.FirstName != "" {
		cur.FirstName = u.FirstName
	}
	cur.LastSeen = now
	m.users[u.ID] = cur
	return nil
}

func (m *Memory) IsBlocked(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[userID]
	return ok, nil
}

func (m *Memory) Block(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[userID]; ok {
		return false, nil
	}
	m.blocked[userID] = time.Now()
	return true, nil
}

func (m *Memory) Unblock(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[userID]; !ok {
		return false, nil
	}
	delete(m.blocked, userID)
	return true, nil
}

func (m *Memory) ListActive(_ context.Context) ([]User, error) {
	m.mu.Lock()
	out := make([]User, 0, len(m.users))
	for id, u := range m.users {
		if _, blocked := m.blocked[id]; !blocked {
			out = append(out, u)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CountActive(ctx context.Context) (int, error) {
	users, _ := m.ListActive(ctx)
	return len(users), nil
}

func (m *Memory) CountTotal(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *Memory) CountBlocked(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocked), nil
}

func (m *Memory) GetState(_ context.Context, userID int64) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[userID]
	if !ok {
		return State{UserID: userID}, false, nil
	}
	st.Data = maps.Clone(st.Data)
	return st, true, nil
}

func (m *Memory) PutState(ctx context.Context, st State) error {
	if st.Name == "" {
		return m.ClearState(ctx, st.UserID)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	st.Data = maps.Clone(st.Data)
	m.mu.Lock()
	m.states[st.UserID] = st
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearState(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.states, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordPayment(_ context.Context, p Payment) (bool, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ChargeID]; ok {
		return false, nil
	}
	p.RefundedAt = time.Time{}
	m.payments[p.ChargeID] = p
	return true, nil
}

func (m *Memory) GetPayment(_ context.Context, chargeID string) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[chargeID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) MarkRefunded(_ context.Context, chargeID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[chargeID]
	if !ok || p.Refunded() {
		return false, nil
	}
	p.RefundedAt = at
	m.payments[chargeID] = p
	return true, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}
