package streamclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-relay/internal/stream"
)

// scriptedServer upgrades every /stream request and hands the connection to
// the script along with the dial count, recording each dial's query string.
type scriptedServer struct {
	srv    *httptest.Server
	script func(conn *websocket.Conn, dial int)

	mu      sync.Mutex
	queries []url.Values
}

func newScriptedServer(t *testing.T, script func(conn *websocket.Conn, dial int)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{script: script}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Query())
		dial := len(s.queries)
		s.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.script(conn, dial)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptedServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *scriptedServer) query(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.queries) {
		return url.Values{}
	}
	return s.queries[i]
}

func sendHello(conn *websocket.Conn, executionID string) error {
	return conn.WriteJSON(map[string]string{"type": "hello", "execution_id": executionID})
}

func sendEvent(conn *websocket.Conn, id int64) error {
	return conn.WriteJSON(stream.StreamEvent{
		EventID:   id,
		SessionID: "session_1",
		EventType: stream.EventTypeOutputChunk,
		Timestamp: time.Now().UTC(),
	})
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 32)}
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *stateRecorder) waitFor(t *testing.T, name string) State {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if StateName(s) == name {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s, saw %v", name, r.names())
		}
	}
}

func (r *stateRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, StateName(s))
	}
	return out
}

func testClientConfig(srv *scriptedServer, rec *stateRecorder) Config {
	return Config{
		URL:                  srv.url() + "/stream",
		SessionID:            "session_1",
		OnState:              rec.record,
		MaxReconnectAttempts: 3,
		BaseBackoff:          time.Millisecond,
		MaxBackoff:           10 * time.Millisecond,
		Jitter:               func() float64 { return 1 },
	}
}

func TestClientConnectAndReceive(t *testing.T) {
	block := make(chan struct{})
	srv := newScriptedServer(t, func(conn *websocket.Conn, _ int) {
		_ = sendHello(conn, "exec_1")
		_ = sendEvent(conn, 1)
		_ = sendEvent(conn, 2)
		<-block
	})
	defer close(block)

	rec := newStateRecorder()
	events := make(chan stream.StreamEvent, 8)
	cfg := testClientConfig(srv, rec)
	cfg.OnEvent = func(ev stream.StreamEvent) { events <- ev }

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	connected := rec.waitFor(t, "connected").(Connected)
	if connected.ExecutionID != "exec_1" {
		t.Fatalf("connected state must carry the execution id, got %+v", connected)
	}

	for want := int64(1); want <= 2; want++ {
		select {
		case ev := <-events:
			if ev.EventID != want {
				t.Fatalf("expected event %d, got %d", want, ev.EventID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
	if got := client.LastEventID(); got != 2 {
		t.Fatalf("cursor must track the newest event, got %d", got)
	}

	// The first dial carries the session but no cursor.
	q := srv.query(0)
	if q.Get("sessionId") != "session_1" || q.Get("fromId") != "" {
		t.Fatalf("unexpected first dial query: %v", q)
	}
}

func TestClientReconnectCarriesCursor(t *testing.T) {
	block := make(chan struct{})
	srv := newScriptedServer(t, func(conn *websocket.Conn, dial int) {
		_ = sendHello(conn, "exec_1")
		if dial == 1 {
			_ = sendEvent(conn, 5)
			return // drop the connection
		}
		<-block
	})
	defer close(block)

	rec := newStateRecorder()
	srvCfg := testClientConfig(srv, rec)
	client, err := New(srvCfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	reconnecting := rec.waitFor(t, "reconnecting").(Reconnecting)
	if reconnecting.LastEventID != 5 || reconnecting.Attempt != 1 {
		t.Fatalf("unexpected reconnecting state: %+v", reconnecting)
	}
	rec.waitFor(t, "connected")

	// The reconnect dial resumes after the last seen event.
	if got := srv.query(1).Get("fromId"); got != "5" {
		t.Fatalf("reconnect must carry fromId=5, got %q", got)
	}
}

func TestClientTicketRefreshOnce(t *testing.T) {
	block := make(chan struct{})
	srv := newScriptedServer(t, func(conn *websocket.Conn, dial int) {
		if dial == 1 {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4001, "auth_error: ticket expired"), time.Now().Add(time.Second))
			return
		}
		_ = sendHello(conn, "exec_1")
		<-block
	})
	defer close(block)

	refreshes := 0
	rec := newStateRecorder()
	cfg := testClientConfig(srv, rec)
	cfg.Ticket = "stale"
	cfg.RefreshTicket = func(context.Context) (string, error) {
		refreshes++
		return "fresh", nil
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	rec.waitFor(t, "refreshing_ticket")
	rec.waitFor(t, "connected")

	if refreshes != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refreshes)
	}
	if got := srv.query(0).Get("ticket"); got != "stale" {
		t.Fatalf("first dial must use the stale ticket, got %q", got)
	}
	if got := srv.query(1).Get("ticket"); got != "fresh" {
		t.Fatalf("second dial must use the refreshed ticket, got %q", got)
	}
}

func TestClientSecondAuthFailureIsTerminal(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn, _ int) {
		// Every dial is rejected as unauthorized.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "auth_error"), time.Now().Add(time.Second))
	})

	refreshes := 0
	rec := newStateRecorder()
	cfg := testClientConfig(srv, rec)
	cfg.RefreshTicket = func(context.Context) (string, error) {
		refreshes++
		return "fresh", nil
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	errored := rec.waitFor(t, "error").(Errored)
	if errored.Retryable {
		t.Fatalf("a post-refresh auth failure is not retryable: %+v", errored)
	}
	if refreshes != 1 {
		t.Fatalf("refresh must run once per cycle, got %d", refreshes)
	}
}

func TestClientAuthFailureWithoutRefresherIsTerminal(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "auth_error"), time.Now().Add(time.Second))
	})

	rec := newStateRecorder()
	client, err := New(testClientConfig(srv, rec))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	errored := rec.waitFor(t, "error").(Errored)
	if errored.Retryable || !strings.Contains(errored.Message, "authentication failed") {
		t.Fatalf("unexpected terminal state: %+v", errored)
	}
}

func TestClientExhaustsReconnectAttempts(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn, _ int) {
		// Accept and immediately drop every connection.
	})

	var errs []error
	var errMu sync.Mutex
	rec := newStateRecorder()
	cfg := testClientConfig(srv, rec)
	cfg.MaxReconnectAttempts = 2
	cfg.OnError = func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Disconnect()
	client.Connect()

	errored := rec.waitFor(t, "error").(Errored)
	if errored.Retryable || !strings.Contains(errored.Message, "exhausted") {
		t.Fatalf("unexpected terminal state: %+v", errored)
	}

	names := rec.names()
	reconnects := 0
	for _, name := range names {
		if name == "reconnecting" {
			reconnects++
		}
	}
	if reconnects != 2 {
		t.Fatalf("expected 2 reconnecting states, got %d (%v)", reconnects, names)
	}

	errMu.Lock()
	defer errMu.Unlock()
	// Failures surface through the callback, never as return values.
	if len(errs) == 0 {
		t.Fatalf("expected read failures via OnError")
	}
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	block := make(chan struct{})
	srv := newScriptedServer(t, func(conn *websocket.Conn, _ int) {
		_ = sendHello(conn, "exec_1")
		<-block
	})
	defer close(block)

	rec := newStateRecorder()
	client, err := New(testClientConfig(srv, rec))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Connect()
	rec.waitFor(t, "connected")

	client.Disconnect()
	client.Disconnect()

	if StateName(client.State()) != "disconnected" {
		t.Fatalf("expected disconnected, got %s", StateName(client.State()))
	}
	// No reconnect fires after an explicit disconnect.
	time.Sleep(50 * time.Millisecond)
	for _, name := range rec.names() {
		if name == "reconnecting" {
			t.Fatalf("disconnect must suppress reconnection: %v", rec.names())
		}
	}
}

func TestClientConfigValidation(t *testing.T) {
	if _, err := New(Config{SessionID: "s"}); err == nil {
		t.Fatalf("missing url must be rejected")
	}
	if _, err := New(Config{URL: "ws://127.0.0.1/stream"}); err == nil {
		t.Fatalf("missing session id must be rejected")
	}
}

func TestBuildURLCarriesFilters(t *testing.T) {
	client, err := New(Config{
		URL:          "ws://relay.local/stream",
		SessionID:    "session_1",
		Ticket:       "tok",
		FromID:       7,
		ExecutionIDs: []string{"exec_1", "exec_2"},
		EventTypes:   []string{"output_chunk"},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	parsed, err := url.Parse(client.buildURL())
	if err != nil {
		t.Fatalf("parse built url: %v", err)
	}
	q := parsed.Query()
	if q.Get("sessionId") != "session_1" || q.Get("fromId") != "7" || q.Get("ticket") != "tok" {
		t.Fatalf("unexpected query: %v", q)
	}
	if q.Get("executionIds") != "exec_1,exec_2" || q.Get("eventTypes") != "output_chunk" {
		t.Fatalf("filters must ride the url: %v", q)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		base    time.Duration
		max     time.Duration
		attempt int
		jitter  float64
		want    time.Duration
	}{
		{100 * time.Millisecond, 5 * time.Second, 0, 1, 100 * time.Millisecond},
		{100 * time.Millisecond, 5 * time.Second, 1, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 5 * time.Second, 0, 0.5, 50 * time.Millisecond},
		{time.Second, 2 * time.Second, 1, 1, 2 * time.Second},
		{time.Second, 2 * time.Second, 5, 1, 2 * time.Second},
	}
	for i, tc := range cases {
		if got := backoffDelay(tc.base, tc.max, tc.attempt, tc.jitter); got != tc.want {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, got)
		}
	}
}

func TestStateNames(t *testing.T) {
	cases := map[State]string{
		Disconnected{}:     "disconnected",
		Connecting{}:       "connecting",
		Connected{}:        "connected",
		Reconnecting{}:     "reconnecting",
		RefreshingTicket{}: "refreshing_ticket",
		Errored{}:          "error",
	}
	for state, want := range cases {
		if got := StateName(state); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	if got := fmt.Sprintf("%s", Connected{ExecutionID: "exec_1"}); !strings.Contains(got, "exec_1") {
		t.Fatalf("connected string must include the execution id: %q", got)
	}
}
