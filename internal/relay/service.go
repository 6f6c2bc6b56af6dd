package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crabstack.local/projects/crab-relay/internal/actorcall"
	"crabstack.local/projects/crab-relay/internal/broker"
	"crabstack.local/projects/crab-relay/internal/dispatch"
	"crabstack.local/projects/crab-relay/internal/job"
	"crabstack.local/projects/crab-relay/internal/lease"
	"crabstack.local/projects/crab-relay/internal/stream"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrDuplicateIngest   = errors.New("duplicate ingest connection")
)

const (
	DefaultLeaseTTL        = 30 * time.Second
	DefaultMessageDeadline = 2 * time.Minute
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultSweepInterval   = 30 * time.Second
)

// ActorHandle locates the stateful executor for one attempt. Handles are
// resolved freshly per attempt and never cached; the executor can move
// between attempts.
type ActorHandle struct {
	BaseURL string
}

type ActorResolver func(ctx context.Context, sessionID string) (ActorHandle, error)

// StaticResolver always resolves the same base URL.
func StaticResolver(baseURL string) ActorResolver {
	return func(context.Context, string) (ActorHandle, error) {
		if strings.TrimSpace(baseURL) == "" {
			return ActorHandle{}, fmt.Errorf("actor base url is not configured")
		}
		return ActorHandle{BaseURL: strings.TrimRight(baseURL, "/")}, nil
	}
}

type Config struct {
	LeaseTTL        time.Duration
	MessageDeadline time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	Retry           actorcall.Config
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MessageDeadline <= 0 {
		c.MessageDeadline = DefaultMessageDeadline
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Service orchestrates executions against sessions: lease arbitration,
// inflight tracking, event ingest with fan-out, and prompt dispatch to the
// remote actor.
type Service struct {
	logger     *log.Logger
	store      stream.Store
	leases     lease.Manager
	broker     *broker.Broker
	dispatcher *dispatch.Dispatcher
	resolver   ActorResolver
	httpClient *http.Client
	cfg        Config

	mu       sync.Mutex
	trackers map[string]*job.Tracker
	ingests  map[string]string // execution id -> session id
}

type Option func(*Service)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func NewService(logger *log.Logger, store stream.Store, leases lease.Manager, b *broker.Broker, d *dispatch.Dispatcher, resolver ActorResolver, cfg Config, opts ...Option) *Service {
	svc := &Service{
		logger:     logger,
		store:      store,
		leases:     leases,
		broker:     b,
		dispatcher: d,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg.withDefaults(),
		trackers:   make(map[string]*job.Tracker),
		ingests:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func (s *Service) LeaseTTL() time.Duration {
	return s.cfg.LeaseTTL
}

// StartExecution acquires the session's execution slot and installs the job
// context. When executionID is empty a new one is minted. A conflicting
// unexpired lease surfaces as *lease.ConflictError.
func (s *Service) StartExecution(ctx context.Context, sessionID, executionID, userID string) (lease.Lease, error) {
	if strings.TrimSpace(sessionID) == "" {
		return lease.Lease{}, fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(executionID) == "" {
		executionID = uuid.NewString()
	}

	granted, err := s.leases.Acquire(ctx, sessionID, executionID, s.cfg.LeaseTTL)
	if err != nil {
		return lease.Lease{}, err
	}

	tracker := s.trackerFor(sessionID)
	if current, ok := tracker.Job(); ok && current.ExecutionID != executionID {
		// The lease is the sole arbiter: acquiring over an expired lease
		// invalidates whatever job state its crashed owner left behind.
		tracker.ClearJob()
	}
	if err := tracker.StartJob(job.Context{ExecutionID: executionID, SessionID: sessionID, UserID: userID}); err != nil {
		return lease.Lease{}, err
	}

	s.logger.Printf("execution started session_id=%s execution_id=%s", sessionID, executionID)
	return granted, nil
}

// Heartbeat extends the execution's lease by one TTL. Executors are expected
// to call this at half the lease TTL.
func (s *Service) Heartbeat(ctx context.Context, sessionID, executionID string) (lease.Lease, error) {
	newExpiry := time.Now().UTC().Add(s.cfg.LeaseTTL)
	if err := s.leases.Renew(ctx, sessionID, executionID, newExpiry); err != nil {
		return lease.Lease{}, err
	}
	return s.leases.Get(ctx, sessionID)
}

// ReleaseExecution gracefully ends the execution: the lease is dropped and
// the session's job state torn down.
func (s *Service) ReleaseExecution(ctx context.Context, sessionID, executionID string) error {
	if err := s.leases.Release(ctx, sessionID, executionID); err != nil {
		return err
	}
	s.mu.Lock()
	tracker := s.trackers[sessionID]
	s.mu.Unlock()
	if tracker != nil {
		if current, ok := tracker.Job(); ok && current.ExecutionID == executionID {
			tracker.ClearJob()
		}
	}
	s.logger.Printf("execution released session_id=%s execution_id=%s", sessionID, executionID)
	return nil
}

// RegisterIngest claims the single ingest slot for an execution. The
// execution must hold the session's lease.
func (s *Service) RegisterIngest(ctx context.Context, sessionID, executionID string) error {
	current, err := s.leases.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			return ErrExecutionNotFound
		}
		return err
	}
	if current.ExecutionID != executionID {
		return ErrExecutionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ingests[executionID]; ok {
		return ErrDuplicateIngest
	}
	s.ingests[executionID] = sessionID
	return nil
}

func (s *Service) UnregisterIngest(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ingests, executionID)
}

// Ingest stores one executor-emitted event, assigns its id, and fans it out
// to live subscribers and out-of-band sinks. Side effects: message_completed
// settles the matching inflight entry; terminal lifecycle events release the
// lease.
func (s *Service) Ingest(ctx context.Context, sessionID, executionID string, in stream.IngestEvent) (stream.StreamEvent, error) {
	ts, ok := stream.ParseTimestamp(in.Timestamp)
	if !ok {
		ts = time.Now().UTC()
	}

	ev := stream.StreamEvent{
		ExecutionID: executionID,
		SessionID:   sessionID,
		EventType:   in.StreamEventType,
		Timestamp:   ts,
		Data:        in.Data,
	}
	id, err := s.store.Append(ctx, sessionID, ev)
	if err != nil {
		return stream.StreamEvent{}, err
	}
	ev.EventID = id

	s.broker.Publish(ev)
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ctx, ev)
	}

	switch {
	case ev.EventType == stream.EventTypeMessageCompleted:
		s.settleMessage(sessionID, ev.Data)
	case stream.TerminalEventType(ev.EventType):
		if err := s.ReleaseExecution(ctx, sessionID, executionID); err != nil {
			s.logger.Printf("release after terminal event failed session_id=%s execution_id=%s err=%v", sessionID, executionID, err)
		}
	}

	return ev, nil
}

func (s *Service) settleMessage(sessionID string, data json.RawMessage) {
	var payload struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || strings.TrimSpace(payload.MessageID) == "" {
		s.logger.Printf("message_completed without message_id session_id=%s", sessionID)
		return
	}

	s.mu.Lock()
	tracker := s.trackers[sessionID]
	s.mu.Unlock()
	if tracker == nil || !tracker.RemoveInflight(payload.MessageID) {
		s.logger.Printf("message_completed for unknown message session_id=%s message_id=%s", sessionID, payload.MessageID)
	}
}

// DispatchPrompt records an inflight entry and delivers the prompt to the
// actor through the retry wrapper, resolving a fresh handle per attempt.
func (s *Service) DispatchPrompt(ctx context.Context, sessionID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("prompt text is required")
	}

	s.mu.Lock()
	tracker := s.trackers[sessionID]
	s.mu.Unlock()
	if tracker == nil {
		return "", ErrSessionNotFound
	}
	jc, ok := tracker.Job()
	if !ok {
		return "", job.ErrNoJob
	}

	messageID, err := tracker.NextMessageID()
	if err != nil {
		return "", err
	}
	if err := tracker.AddInflight(messageID, time.Now().UTC().Add(s.cfg.MessageDeadline)); err != nil {
		return "", err
	}

	_, err = actorcall.Call(ctx, s.cfg.Retry, "dispatch prompt",
		func(ctx context.Context) (ActorHandle, error) {
			return s.resolver(ctx, sessionID)
		},
		func(ctx context.Context, handle ActorHandle) (struct{}, error) {
			return struct{}{}, s.postPrompt(ctx, handle, jc, messageID, text)
		},
	)
	if err != nil {
		tracker.RemoveInflight(messageID)
		tracker.SetLastError(err.Error())
		s.logger.Printf("prompt dispatch failed session_id=%s message_id=%s err=%v", sessionID, messageID, err)
		return "", err
	}

	s.logger.Printf("prompt dispatched session_id=%s execution_id=%s message_id=%s", sessionID, jc.ExecutionID, messageID)
	return messageID, nil
}

func (s *Service) postPrompt(ctx context.Context, handle ActorHandle, jc job.Context, messageID, text string) error {
	body, err := json.Marshal(map[string]string{
		"message_id":   messageID,
		"session_id":   jc.SessionID,
		"execution_id": jc.ExecutionID,
		"text":         text,
	})
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if jc.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+jc.AuthToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Transport failures are worth a second attempt against a freshly
		// resolved handle.
		return actorcall.MarkRetryable(fmt.Errorf("post prompt: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	callErr := fmt.Errorf("actor status=%d body=%q", resp.StatusCode, string(detail))
	if resp.StatusCode >= http.StatusInternalServerError {
		return actorcall.MarkRetryable(callErr)
	}
	return callErr
}

// SessionKnown reports whether sessionID refers to anything the relay has
// seen: stored events, a lease, or live job state.
func (s *Service) SessionKnown(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	_, hasTracker := s.trackers[sessionID]
	s.mu.Unlock()
	if hasTracker {
		return true, nil
	}

	if _, err := s.leases.Get(ctx, sessionID); err == nil {
		return true, nil
	} else if !errors.Is(err, lease.ErrNotFound) {
		return false, err
	}

	return s.store.HasSession(ctx, sessionID)
}

// CurrentExecutionID returns the unexpired lease holder, or "" when the
// session is idle.
func (s *Service) CurrentExecutionID(ctx context.Context, sessionID string) string {
	current, err := s.leases.Get(ctx, sessionID)
	if err != nil || current.Expired(time.Now().UTC()) {
		return ""
	}
	return current.ExecutionID
}

func (s *Service) Status(ctx context.Context, sessionID string) (job.Status, error) {
	known, err := s.SessionKnown(ctx, sessionID)
	if err != nil {
		return job.Status{}, err
	}
	if !known {
		return job.Status{}, ErrSessionNotFound
	}

	s.mu.Lock()
	tracker := s.trackers[sessionID]
	s.mu.Unlock()
	if tracker == nil {
		return job.Status{State: job.StateIdle, Inflight: []string{}}, nil
	}
	return tracker.Status(), nil
}

// DeleteSession tears the session down: lease released, job state dropped,
// stored events deleted. The only path that ever removes events.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if current, err := s.leases.Get(ctx, sessionID); err == nil {
		if err := s.leases.Release(ctx, sessionID, current.ExecutionID); err != nil {
			return err
		}
	} else if !errors.Is(err, lease.ErrNotFound) {
		return err
	}

	s.mu.Lock()
	delete(s.trackers, sessionID)
	s.mu.Unlock()

	return s.store.DeleteSession(ctx, sessionID)
}

// Run drives the idle sweep until ctx is done. Lease expiry needs no sweep;
// it is checked lazily on acquire.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Sweep(now.UTC())
		}
	}
}

// Sweep drops inflight entries past their deadline and clears jobs idle for
// longer than the idle timeout.
func (s *Service) Sweep(now time.Time) {
	s.mu.Lock()
	sessions := make(map[string]*job.Tracker, len(s.trackers))
	for id, tracker := range s.trackers {
		sessions[id] = tracker
	}
	s.mu.Unlock()

	for sessionID, tracker := range sessions {
		for _, entry := range tracker.ExpiredInflight(now) {
			if tracker.RemoveInflight(entry.MessageID) {
				tracker.SetLastError(fmt.Sprintf("message %s deadline exceeded", entry.MessageID))
				s.logger.Printf("inflight expired session_id=%s message_id=%s deadline=%s", sessionID, entry.MessageID, entry.DeadlineAt.Format(time.RFC3339))
			}
		}

		if _, ok := tracker.Job(); ok && !tracker.IsActive() && now.Sub(tracker.LastActivity()) >= s.cfg.IdleTimeout {
			tracker.ClearJob()
			s.logger.Printf("job cleared after idle timeout session_id=%s", sessionID)
		}
	}
}

func (s *Service) trackerFor(sessionID string) *job.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tracker, ok := s.trackers[sessionID]; ok {
		return tracker
	}
	tracker := job.NewTracker()
	s.trackers[sessionID] = tracker
	return tracker
}
