package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-relay/internal/broker"
	"crabstack.local/projects/crab-relay/internal/job"
	"crabstack.local/projects/crab-relay/internal/lease"
	"crabstack.local/projects/crab-relay/internal/protocol"
	"crabstack.local/projects/crab-relay/internal/relay"
	"crabstack.local/projects/crab-relay/internal/stream"
)

const (
	maxIngestMessageBytes int64 = 2 << 20
	wsWriteTimeout              = 10 * time.Second
)

// TicketValidator authorizes a stream or ingest attachment. A nil validator
// admits everyone; the real issuer lives outside the relay.
type TicketValidator func(r *http.Request) error

// StaticTicket admits requests whose ticket query parameter matches the
// configured value. An empty value disables the check.
func StaticTicket(ticket string) TicketValidator {
	if strings.TrimSpace(ticket) == "" {
		return nil
	}
	return func(r *http.Request) error {
		if r.URL.Query().Get("ticket") != ticket {
			return fmt.Errorf("invalid ticket")
		}
		return nil
	}
}

type server struct {
	logger  *log.Logger
	relay   *relay.Service
	store   stream.Store
	broker  *broker.Broker
	tickets TicketValidator
}

// HelloMessage is the first frame on every stream attachment. It names the
// execution currently holding the session's lease, if any.
type HelloMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	LastEventID int64  `json:"last_event_id"`
}

type ingestAck struct {
	EventID int64 `json:"event_id"`
}

func NewServer(logger *log.Logger, addr string, relayService *relay.Service, store stream.Store, b *broker.Broker, tickets TicketValidator) *http.Server {
	h := &server{
		logger:  logger,
		relay:   relayService,
		store:   store,
		broker:  b,
		tickets: tickets,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /stream", h.handleStream)
	mux.HandleFunc("GET /ingest", h.handleIngest)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/executions", h.handleStartExecution)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/executions/{executionID}/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/sessions/{sessionID}/executions/{executionID}", h.handleReleaseExecution)
	mux.HandleFunc("POST /v1/sessions/{sessionID}/messages", h.handleDispatchMessage)
	mux.HandleFunc("GET /v1/sessions/{sessionID}/status", h.handleStatus)
	mux.HandleFunc("DELETE /v1/sessions/{sessionID}", h.handleDeleteSession)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStream upgrades an observer attachment. An unknown session is
// rejected before the upgrade; a bad ticket is reported through the auth
// close code so remote reconnect heuristics can see it.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	known, err := s.relay.SessionKnown(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if !known {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("stream upgrade failed session_id=%s err=%v", sessionID, err)
		return
	}
	defer conn.Close()

	if s.tickets != nil {
		if err := s.tickets(r); err != nil {
			s.closeWith(conn, protocol.ErrCodeAuth, err.Error())
			return
		}
	}

	filters := stream.FiltersFromQuery(q)

	// Subscribe before querying the replay so no event falls between the
	// two; the cursor dedupes the overlap.
	sub := s.broker.Subscribe(sessionID, filters, 0)
	defer sub.Close()

	hello := HelloMessage{
		Type:        "hello",
		ExecutionID: s.relay.CurrentExecutionID(r.Context(), sessionID),
		LastEventID: filters.FromID,
	}
	if err := s.writeWS(conn, hello); err != nil {
		return
	}

	replay, err := s.store.Query(r.Context(), sessionID, filters)
	if err != nil {
		s.logger.Printf("replay query failed session_id=%s err=%v", sessionID, err)
		s.closeWith(conn, protocol.ErrCodeInternal, "replay query failed")
		return
	}

	cursor := filters.FromID
	for _, ev := range replay {
		if err := s.writeWS(conn, ev); err != nil {
			return
		}
		cursor = ev.EventID
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.EventID <= cursor {
				continue
			}
			if err := s.writeWS(conn, ev); err != nil {
				return
			}
			cursor = ev.EventID
		case <-readerDone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleIngest upgrades the executor's push channel. One connection per
// execution; the execution must hold the session's lease.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	executionID := strings.TrimSpace(q.Get("executionId"))
	if sessionID == "" || executionID == "" {
		http.Error(w, "sessionId and executionId are required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("ingest upgrade failed session_id=%s err=%v", sessionID, err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxIngestMessageBytes)

	if s.tickets != nil {
		if err := s.tickets(r); err != nil {
			s.closeWith(conn, protocol.ErrCodeAuth, err.Error())
			return
		}
	}

	if err := s.relay.RegisterIngest(r.Context(), sessionID, executionID); err != nil {
		switch {
		case errors.Is(err, relay.ErrDuplicateIngest):
			s.closeWith(conn, protocol.ErrCodeDuplicateIngest, executionID)
		case errors.Is(err, relay.ErrExecutionNotFound):
			s.closeWith(conn, protocol.ErrCodeExecutionNotFound, executionID)
		default:
			s.closeWith(conn, protocol.ErrCodeInternal, "ingest registration failed")
		}
		return
	}
	defer s.relay.UnregisterIngest(executionID)

	for {
		var in stream.IngestEvent
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				s.logger.Printf("ingest connection lost session_id=%s execution_id=%s err=%v", sessionID, executionID, err)
				return
			}
			s.closeWith(conn, protocol.ErrCodeProtocol, fmt.Sprintf("invalid ingest event: %v", err))
			return
		}

		ev, err := s.relay.Ingest(r.Context(), sessionID, executionID, in)
		if err != nil {
			s.closeWith(conn, protocol.ErrCodeProtocol, err.Error())
			return
		}
		if err := s.writeWS(conn, ingestAck{EventID: ev.EventID}); err != nil {
			return
		}
	}
}

func (s *server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var body struct {
		ExecutionID string `json:"execution_id"`
		UserID      string `json:"user_id"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	granted, err := s.relay.StartExecution(r.Context(), sessionID, body.ExecutionID, body.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, granted)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	renewed, err := s.relay.Heartbeat(r.Context(), r.PathValue("sessionID"), r.PathValue("executionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renewed)
}

func (s *server) handleReleaseExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.ReleaseExecution(r.Context(), r.PathValue("sessionID"), r.PathValue("executionID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *server) handleDispatchMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	messageID, err := s.relay.DispatchPrompt(r.Context(), sessionID, body.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": messageID})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.relay.Status(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.DeleteSession(r.Context(), r.PathValue("sessionID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var leaseConflict *lease.ConflictError
	if errors.As(err, &leaseConflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":                "execution lease held",
			"current_execution_id": leaseConflict.CurrentOwner,
		})
		return
	}
	var jobConflict *job.ConflictError
	if errors.As(err, &jobConflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":                "job still active",
			"current_execution_id": jobConflict.ActiveExecutionID,
		})
		return
	}

	switch {
	case errors.Is(err, relay.ErrSessionNotFound), errors.Is(err, stream.ErrNotFound), errors.Is(err, lease.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, relay.ErrExecutionNotFound), errors.Is(err, lease.ErrNotOwner):
		http.Error(w, "execution not found", http.StatusNotFound)
	case errors.Is(err, job.ErrNoJob):
		http.Error(w, "no job context", http.StatusConflict)
	default:
		s.logger.Printf("request failed err=%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *server) writeWS(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *server) closeWith(conn *websocket.Conn, code protocol.ErrorCode, detail string) {
	reason := protocol.CloseReason(code, detail)
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code.CloseCode(), reason), deadline)
}

func decodeJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid json: trailing content")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
