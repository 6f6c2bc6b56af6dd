package broker

import (
	"log"
	"sync"

	"crabstack.local/projects/crab-relay/internal/stream"
)

const defaultBuffer = 64

// Broker fans live events out to attached subscribers. Matching happens in
// memory via Filters.Matches; storage is never consulted on the live path.
type Broker struct {
	logger *log.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]*Subscription
}

// Subscription is one attached consumer. Events arrive on a buffered
// channel; when the consumer cannot keep up the event is dropped rather than
// blocking the publisher, mirroring how the relay client sheds load.
type Subscription struct {
	id        int64
	sessionID string
	filters   stream.Filters
	broker    *Broker

	mu     sync.Mutex
	ch     chan stream.StreamEvent
	closed bool
}

func New(logger *log.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[string]map[int64]*Subscription),
	}
}

func (b *Broker) Subscribe(sessionID string, filters stream.Filters, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:        b.nextID,
		sessionID: sessionID,
		filters:   filters,
		ch:        make(chan stream.StreamEvent, buffer),
		broker:    b,
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int64]*Subscription)
	}
	b.subs[sessionID][sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber of its session without
// blocking. FromID is deliberately not consulted here.
func (b *Broker) Publish(ev stream.StreamEvent) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs[ev.SessionID]))
	for _, sub := range b.subs[ev.SessionID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if !sub.filters.Matches(ev) {
			continue
		}
		if !sub.trySend(ev) {
			b.logger.Printf("dropping event session_id=%s event_id=%d subscriber=%d: channel full", ev.SessionID, ev.EventID, sub.id)
		}
	}
}

func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func (s *Subscription) Events() <-chan stream.StreamEvent {
	return s.ch
}

func (s *Subscription) trySend(ev stream.StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	b := s.broker
	b.mu.Lock()
	if sessionSubs, ok := b.subs[s.sessionID]; ok {
		delete(sessionSubs, s.id)
		if len(sessionSubs) == 0 {
			delete(b.subs, s.sessionID)
		}
	}
	b.mu.Unlock()
}
