package stream

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeExecutionStarted   EventType = "execution_started"
	EventTypeExecutionCompleted EventType = "execution_completed"
	EventTypeExecutionFailed    EventType = "execution_failed"
	EventTypeOutputChunk        EventType = "output_chunk"
	EventTypeToolCall           EventType = "tool_call"
	EventTypeMessageCompleted   EventType = "message_completed"
	EventTypeLog                EventType = "log"
)

func ValidEventType(t EventType) bool {
	switch t {
	case EventTypeExecutionStarted,
		EventTypeExecutionCompleted,
		EventTypeExecutionFailed,
		EventTypeOutputChunk,
		EventTypeToolCall,
		EventTypeMessageCompleted,
		EventTypeLog:
		return true
	default:
		return false
	}
}

// TerminalEventType reports whether t ends the execution that produced it.
func TerminalEventType(t EventType) bool {
	return t == EventTypeExecutionCompleted || t == EventTypeExecutionFailed
}

// StreamEvent is one row of a session's ordered event log. EventID is
// assigned by the store on append and is strictly increasing per session;
// producers never set it.
type StreamEvent struct {
	EventID     int64           `json:"event_id"`
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id"`
	EventType   EventType       `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// IngestEvent is the executor-facing wire shape pushed over the ingest
// websocket. The store assigns the event id; the timestamp is free-form and
// parsed leniently.
type IngestEvent struct {
	StreamEventType EventType       `json:"stream_event_type"`
	Timestamp       string          `json:"timestamp,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// ParseTimestamp accepts integer epoch-milliseconds or an RFC 3339 string.
// The second return is false when the value is absent or unparseable, which
// callers treat as "bound unset".
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

// Filters is the conjunctive predicate over a session's events. FromID is
// exclusive and applies to replay queries only; live broadcast matching
// ignores it because a live event is by construction newer than any cursor.
type Filters struct {
	FromID       int64
	ExecutionIDs []string
	EventTypes   []EventType
	StartTime    time.Time
	EndTime      time.Time
}

// Matches evaluates every dimension except FromID.
func (f Filters) Matches(ev StreamEvent) bool {
	if len(f.ExecutionIDs) > 0 && !containsString(f.ExecutionIDs, ev.ExecutionID) {
		return false
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, ev.EventType) {
		return false
	}
	if !f.StartTime.IsZero() && ev.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && ev.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// FiltersFromQuery parses the attach query string. Invalid numeric or
// timestamp values leave the corresponding bound unset.
func FiltersFromQuery(q url.Values) Filters {
	var f Filters
	if raw := strings.TrimSpace(q.Get("fromId")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			f.FromID = id
		}
	}
	f.ExecutionIDs = splitCSV(q.Get("executionIds"))
	for _, raw := range splitCSV(q.Get("eventTypes")) {
		f.EventTypes = append(f.EventTypes, EventType(raw))
	}
	if ts, ok := ParseTimestamp(q.Get("startTime")); ok {
		f.StartTime = ts
	}
	if ts, ok := ParseTimestamp(q.Get("endTime")); ok {
		f.EndTime = ts
	}
	return f
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func containsType(values []EventType, v EventType) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
