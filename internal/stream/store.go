package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// Store is the append-only per-session event log. Append assigns the next
// monotonic event id for the session; existing rows are never mutated or
// reordered. Query returns events in ascending id order, honoring the
// conjunctive Filters with FromID exclusive.
type Store interface {
	Append(ctx context.Context, sessionID string, ev StreamEvent) (int64, error)
	Query(ctx context.Context, sessionID string, f Filters) ([]StreamEvent, error)
	HasSession(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

func validateAppend(sessionID string, ev StreamEvent) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(string(ev.EventType)) == "" {
		return fmt.Errorf("event_type is required")
	}
	if !ValidEventType(ev.EventType) {
		return fmt.Errorf("unsupported event_type %q", ev.EventType)
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}
