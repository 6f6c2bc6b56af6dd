package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crabstack.local/projects/crab-relay/internal/ids"
)

type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
	closed bool
}

type MemoryOption func(*MemoryManager)

// WithClock overrides the time source; tests use it to drive expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryManager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemoryManager(opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		leases: make(map[string]Lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, sessionID, executionID string, ttl time.Duration) (Lease, error) {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return Lease{}, err
	}
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("ttl must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Lease{}, fmt.Errorf("lease manager is closed")
	}

	now := m.now()
	if current, ok := m.leases[sessionID]; ok && !current.Expired(now) {
		if current.ExecutionID == executionID {
			return current, nil
		}
		return Lease{}, &ConflictError{SessionID: sessionID, CurrentOwner: current.ExecutionID}
	}

	granted := Lease{
		SessionID:   sessionID,
		ExecutionID: executionID,
		OwnerToken:  ids.New(),
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	m.leases[sessionID] = granted
	return granted, nil
}

func (m *MemoryManager) Renew(_ context.Context, sessionID, executionID string, newExpiry time.Time) error {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("lease manager is closed")
	}

	current, ok := m.leases[sessionID]
	if !ok || current.ExecutionID != executionID {
		return ErrNotOwner
	}
	current.ExpiresAt = newExpiry.UTC()
	m.leases[sessionID] = current
	return nil
}

func (m *MemoryManager) Release(_ context.Context, sessionID, executionID string) error {
	if err := validateLeaseKey(sessionID, executionID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("lease manager is closed")
	}

	current, ok := m.leases[sessionID]
	if !ok || current.ExecutionID != executionID {
		return nil
	}
	delete(m.leases, sessionID)
	return nil
}

func (m *MemoryManager) Get(_ context.Context, sessionID string) (Lease, error) {
	if sessionID == "" {
		return Lease{}, fmt.Errorf("session_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Lease{}, fmt.Errorf("lease manager is closed")
	}

	current, ok := m.leases[sessionID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return current, nil
}

func (m *MemoryManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
