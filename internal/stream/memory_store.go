package stream

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]StreamEvent
	nextID map[string]int64
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]StreamEvent),
		nextID: make(map[string]int64),
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, ev StreamEvent) (int64, error) {
	if err := validateAppend(sessionID, ev); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("memory store is closed")
	}

	id := s.nextID[sessionID] + 1
	s.nextID[sessionID] = id
	ev.EventID = id
	ev.SessionID = sessionID
	s.events[sessionID] = append(s.events[sessionID], ev)
	return id, nil
}

func (s *MemoryStore) Query(_ context.Context, sessionID string, f Filters) ([]StreamEvent, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]StreamEvent, 0)
	for _, ev := range s.events[sessionID] {
		if ev.EventID <= f.FromID {
			continue
		}
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) HasSession(_ context.Context, sessionID string) (bool, error) {
	if err := validateSessionID(sessionID); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, fmt.Errorf("memory store is closed")
	}
	return len(s.events[sessionID]) > 0, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	delete(s.events, sessionID)
	delete(s.nextID, sessionID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
