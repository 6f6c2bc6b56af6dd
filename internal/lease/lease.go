package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("lease not found")
	ErrNotOwner = errors.New("lease not owned by execution")
)

// ConflictError is returned by Acquire when a different execution holds an
// unexpired lease for the session.
type ConflictError struct {
	SessionID    string
	CurrentOwner string // execution id holding the lease
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is locked by execution %s", e.SessionID, e.CurrentOwner)
}

// Lease grants exclusive execution rights for a session until ExpiresAt.
// Once now >= ExpiresAt any caller may reclaim the slot via Acquire without
// cooperation from the previous owner; no background reaper exists and none
// is needed.
type Lease struct {
	SessionID   string    `json:"session_id"`
	ExecutionID string    `json:"execution_id"`
	OwnerToken  string    `json:"owner_token"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Manager arbitrates the single active-execution slot per session. All
// execution dispatch must go through Acquire; a rejection is authoritative.
type Manager interface {
	// Acquire grants the slot when no live lease exists or the live lease
	// already belongs to executionID (idempotent re-entry). A different
	// unexpired owner yields *ConflictError.
	Acquire(ctx context.Context, sessionID, executionID string, ttl time.Duration) (Lease, error)
	// Renew extends the current lease; ErrNotOwner when executionID does not
	// hold it (including after expiry reclaim).
	Renew(ctx context.Context, sessionID, executionID string, newExpiry time.Time) error
	// Release drops the lease; releasing an absent or foreign lease is a no-op.
	Release(ctx context.Context, sessionID, executionID string) error
	// Get returns the current lease regardless of expiry, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Lease, error)
	Close() error
}

func validateLeaseKey(sessionID, executionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(executionID) == "" {
		return fmt.Errorf("execution_id is required")
	}
	return nil
}
