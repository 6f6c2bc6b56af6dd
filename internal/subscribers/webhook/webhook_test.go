package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"crabstack.local/projects/crab-relay/internal/stream"
)

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod      string
		gotPath        string
		gotContentType string
		gotBody        []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := newTestEvent(stream.EventTypeExecutionCompleted)
	wantBody, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	subscriber := New("webhook-test", server.URL+"/events", testLogger())
	if err := subscriber.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/events" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content-type: %s", gotContentType)
	}
	if !bytes.Equal(gotBody, wantBody) {
		t.Fatalf("unexpected body: got=%s want=%s", gotBody, wantBody)
	}
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL, testLogger())
	err := subscriber.Handle(context.Background(), newTestEvent(stream.EventTypeExecutionCompleted))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status code in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "upstream failed") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestHandleEventFilterSkipsNonMatching(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriber := New(
		"webhook-test",
		server.URL,
		testLogger(),
		WithEventFilter(func(eventType stream.EventType) bool {
			return eventType == stream.EventTypeExecutionCompleted
		}),
	)

	err := subscriber.Handle(context.Background(), newTestEvent(stream.EventTypeOutputChunk))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no webhook call, got %d", calls)
	}

	if err := subscriber.Handle(context.Background(), newTestEvent(stream.EventTypeExecutionCompleted)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one webhook call, got %d", calls)
	}
}

func TestHandlePostTimeoutReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	subscriber := New("webhook-test", server.URL, testLogger(), WithHTTPClient(client))
	err := subscriber.Handle(context.Background(), newTestEvent(stream.EventTypeExecutionCompleted))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "deadline exceeded") {
		t.Fatalf("expected timeout/deadline error, got %v", err)
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEvent(eventType stream.EventType) stream.StreamEvent {
	return stream.StreamEvent{
		EventID:     1,
		ExecutionID: "exec_1",
		SessionID:   "session_1",
		EventType:   eventType,
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
		Data:        json.RawMessage(`{"message":"hello"}`),
	}
}
