package job

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNoJob = errors.New("no job context")

// ConflictError is returned by StartJob when a different execution still has
// inflight work.
type ConflictError struct {
	ActiveExecutionID    string
	RequestedExecutionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution %s is still active, cannot start %s", e.ActiveExecutionID, e.RequestedExecutionID)
}

// Context carries everything a job needs to talk back to its session.
type Context struct {
	ExecutionID     string `json:"execution_id"`
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id,omitempty"`
	RemoteSessionID string `json:"remote_session_id,omitempty"`
	IngestURL       string `json:"ingest_url,omitempty"`
	IngestToken     string `json:"ingest_token,omitempty"`
	AuthToken       string `json:"auth_token,omitempty"`
}

type InflightEntry struct {
	MessageID  string    `json:"message_id"`
	StartedAt  time.Time `json:"started_at"`
	DeadlineAt time.Time `json:"deadline_at"`
}

type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

type Status struct {
	State         State    `json:"state"`
	ExecutionID   string   `json:"execution_id,omitempty"`
	Inflight      []string `json:"inflight"`
	InflightCount int      `json:"inflight_count"`
	LastError     string   `json:"last_error,omitempty"`
}

// Tracker owns the outstanding prompts for one session. It is explicitly
// constructed and passed to the handlers that need it; there is no ambient
// singleton. A session is active iff the inflight set is non-empty.
type Tracker struct {
	mu           sync.Mutex
	job          *Context
	inflight     map[string]InflightEntry
	counter      uint64
	lastError    string
	lastActivity time.Time
	now          func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		inflight: make(map[string]InflightEntry),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// StartJob installs jc as the live job. Re-creating the same execution is a
// no-op that preserves the message counter; a different execution while
// inflight work remains is a conflict naming the active execution.
func (t *Tracker) StartJob(jc Context) error {
	if strings.TrimSpace(jc.ExecutionID) == "" {
		return fmt.Errorf("execution_id is required")
	}
	if strings.TrimSpace(jc.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = t.now()

	if t.job != nil {
		if t.job.ExecutionID == jc.ExecutionID {
			return nil
		}
		if len(t.inflight) > 0 {
			return &ConflictError{ActiveExecutionID: t.job.ExecutionID, RequestedExecutionID: jc.ExecutionID}
		}
	}

	jobCopy := jc
	t.job = &jobCopy
	t.inflight = make(map[string]InflightEntry)
	t.counter = 0
	t.lastError = ""
	return nil
}

// ClearJob destroys the job context, all inflight entries and per-job
// counters. Called on explicit reset and by the idle-timeout sweep.
func (t *Tracker) ClearJob() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job = nil
	t.inflight = make(map[string]InflightEntry)
	t.counter = 0
	t.lastActivity = t.now()
}

func (t *Tracker) AddInflight(messageID string, deadlineAt time.Time) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("message_id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return ErrNoJob
	}
	now := t.now()
	t.lastActivity = now
	t.inflight[messageID] = InflightEntry{
		MessageID:  messageID,
		StartedAt:  now,
		DeadlineAt: deadlineAt.UTC(),
	}
	return nil
}

// RemoveInflight reports false when the key was never added or was already
// removed.
func (t *Tracker) RemoveInflight(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = t.now()
	if _, ok := t.inflight[messageID]; !ok {
		return false
	}
	delete(t.inflight, messageID)
	return true
}

func (t *Tracker) ExpiredInflight(now time.Time) []InflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []InflightEntry
	for _, entry := range t.inflight {
		if !now.Before(entry.DeadlineAt) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

func (t *Tracker) ClearAllInflight() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[string]InflightEntry)
	t.lastActivity = t.now()
}

// NextMessageID combines the normalized execution id with a strictly
// increasing per-job counter, so IDs are stable and sortable within a job.
func (t *Tracker) NextMessageID() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return "", ErrNoJob
	}
	t.counter++
	t.lastActivity = t.now()
	return fmt.Sprintf("%s-%06d", normalizeJobID(t.job.ExecutionID), t.counter), nil
}

func (t *Tracker) SetLastError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = msg
	t.lastActivity = t.now()
}

func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) > 0
}

func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Tracker) Job() (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job == nil {
		return Context{}, false
	}
	return *t.job, true
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		State:         StateIdle,
		Inflight:      make([]string, 0, len(t.inflight)),
		InflightCount: len(t.inflight),
		LastError:     t.lastError,
	}
	if len(t.inflight) > 0 {
		st.State = StateActive
	}
	if t.job != nil {
		st.ExecutionID = t.job.ExecutionID
	}
	for id := range t.inflight {
		st.Inflight = append(st.Inflight, id)
	}
	sort.Strings(st.Inflight)
	return st
}

// normalizeJobID lowercases the execution id and strips everything that is
// not alphanumeric, keeping message IDs safe for logs and URLs.
func normalizeJobID(executionID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(executionID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
