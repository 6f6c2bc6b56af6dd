package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-relay/internal/stream"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultMaxReconnectAttempts = 10
	defaultBaseBackoff          = 500 * time.Millisecond
	defaultMaxBackoff           = 30 * time.Second
	readDeadline                = 24 * time.Hour
)

type Config struct {
	// URL is the relay stream endpoint, e.g. ws://host:8080/stream.
	URL       string
	SessionID string

	// Optional replay filters carried on every (re)connect URL.
	FromID       int64
	ExecutionIDs []string
	EventTypes   []string
	StartTime    string
	EndTime      string

	// Ticket authorizes the attachment. RefreshTicket, when set, is invoked
	// at most once per auth-failure cycle to obtain a fresh one.
	Ticket        string
	RefreshTicket func(ctx context.Context) (string, error)

	// Callbacks run on the client's internal goroutines. They must not
	// block and must not call back into the Client.
	OnEvent func(stream.StreamEvent)
	OnState func(State)
	OnError func(error)

	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	HandshakeTimeout     time.Duration

	Detector AuthDetector
	// Jitter returns a backoff multiplier in [0.5, 1.5). Fixed values make
	// reconnect timing deterministic in tests.
	Jitter func() float64
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Detector == nil {
		c.Detector = DefaultAuthDetector()
	}
	if c.Jitter == nil {
		c.Jitter = func() float64 { return 0.5 + rand.Float64() }
	}
	return c
}

// Client maintains one logical stream attachment across disconnects. The
// last seen event id rides on every reconnect URL as the replay cursor, so
// resumption after a network blip, ticket refresh or backoff retry neither
// drops nor re-delivers events past the cursor.
//
// Connect and Disconnect never return errors; all failures surface through
// OnState/OnError, keeping the state machine the single source of truth.
type Client struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	gen         uint64
	lastEventID int64
	attempt     int
	refreshed   bool // ticket refresh consumed for the current cycle
	ticket      string
	timer       *time.Timer
	closed      bool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		state:       Disconnected{},
		lastEventID: cfg.FromID,
		ticket:      cfg.Ticket,
	}, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) LastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Connect starts the connection cycle. Calling it while already connecting
// or connected is a no-op.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.mu.Unlock()
		return
	}
	switch c.state.(type) {
	case Connecting, RefreshingTicket:
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.setStateLocked(Connecting{})
	gen := c.nextGenLocked()
	c.mu.Unlock()

	go c.dialAndRun(gen)
}

// Disconnect is the single cancellation primitive: it cancels any pending
// reconnect timer, closes the live socket, and suppresses all further
// reconnection. Idempotent and safe from any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil // clear the reference before closing
	c.gen++
	c.setStateLocked(Disconnected{})
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) dialAndRun(gen uint64) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	target := c.buildURL()

	conn, resp, err := dialer.DialContext(c.ctx, target, nil)
	if err != nil {
		if resp != nil && c.cfg.Detector.IsAuthStatus(resp.StatusCode) {
			c.handleAuthFailure(gen, fmt.Sprintf("handshake rejected with status %d", resp.StatusCode))
			return
		}
		c.pushErr(fmt.Errorf("dial stream: %w", err))
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.readLoop(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			c.handleReadFailure(gen, conn, err)
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleReadFailure(gen, conn, err)
			return
		}
		c.handleMessage(gen, payload)
	}
}

func (c *Client) handleMessage(gen uint64, payload []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		c.pushErr(fmt.Errorf("decode stream message: %w", err))
		return
	}

	if probe.Type == "hello" {
		var hello struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(payload, &hello); err != nil {
			c.pushErr(fmt.Errorf("decode hello: %w", err))
			return
		}
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.attempt = 0
		c.refreshed = false
		c.setStateLocked(Connected{ExecutionID: hello.ExecutionID})
		c.mu.Unlock()
		return
	}

	var ev stream.StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.pushErr(fmt.Errorf("decode stream event: %w", err))
		return
	}
	if ev.EventID == 0 {
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if ev.EventID > c.lastEventID {
		c.lastEventID = ev.EventID
	}
	c.mu.Unlock()

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func (c *Client) handleReadFailure(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	stale := c.closed || gen != c.gen
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if stale {
		// A newer socket has replaced this one, or the caller disconnected;
		// this close belongs to a dead cycle.
		return
	}

	code, reason := closeInfo(err)
	if c.cfg.Detector.IsAuthClose(code, reason) {
		c.handleAuthFailure(gen, reason)
		return
	}
	c.pushErr(fmt.Errorf("stream closed: %w", err))
	c.scheduleReconnect(gen)
}

// handleAuthFailure runs one ticket-refresh cycle. A second consecutive
// auth failure after a refresh is a configuration problem, not a transient,
// and is terminal.
func (c *Client) handleAuthFailure(gen uint64, reason string) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.refreshed || c.cfg.RefreshTicket == nil {
		c.setStateLocked(Errored{Message: "authentication failed: " + reason, Retryable: false})
		c.mu.Unlock()
		return
	}
	c.refreshed = true
	c.setStateLocked(RefreshingTicket{})
	c.mu.Unlock()

	ticket, err := c.cfg.RefreshTicket(c.ctx)
	if err != nil {
		c.mu.Lock()
		if !c.closed && gen == c.gen {
			c.setStateLocked(Errored{Message: fmt.Sprintf("ticket refresh failed: %v", err), Retryable: false})
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.ticket = ticket
	c.attempt = 0
	c.setStateLocked(Connecting{})
	nextGen := c.nextGenLocked()
	c.mu.Unlock()

	go c.dialAndRun(nextGen)
}

func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}

	c.attempt++
	if c.attempt > c.cfg.MaxReconnectAttempts {
		c.setStateLocked(Errored{
			Message:   fmt.Sprintf("reconnect attempts exhausted after %d tries", c.cfg.MaxReconnectAttempts),
			Retryable: false,
		})
		c.mu.Unlock()
		return
	}

	c.setStateLocked(Reconnecting{LastEventID: c.lastEventID, Attempt: c.attempt})
	delay := backoffDelay(c.cfg.BaseBackoff, c.cfg.MaxBackoff, c.attempt-1, c.cfg.Jitter())
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(Connecting{})
		nextGen := c.nextGenLocked()
		c.mu.Unlock()
		c.dialAndRun(nextGen)
	})
	c.mu.Unlock()
}

func (c *Client) buildURL() string {
	c.mu.Lock()
	cursor := c.lastEventID
	ticket := c.ticket
	c.mu.Unlock()

	parsed, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := parsed.Query()
	q.Set("sessionId", c.cfg.SessionID)
	if cursor > 0 {
		q.Set("fromId", fmt.Sprintf("%d", cursor))
	}
	if ticket != "" {
		q.Set("ticket", ticket)
	}
	if len(c.cfg.ExecutionIDs) > 0 {
		q.Set("executionIds", strings.Join(c.cfg.ExecutionIDs, ","))
	}
	if len(c.cfg.EventTypes) > 0 {
		q.Set("eventTypes", strings.Join(c.cfg.EventTypes, ","))
	}
	if c.cfg.StartTime != "" {
		q.Set("startTime", c.cfg.StartTime)
	}
	if c.cfg.EndTime != "" {
		q.Set("endTime", c.cfg.EndTime)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

func (c *Client) pushErr(err error) {
	if err == nil || c.cfg.OnError == nil {
		return
	}
	c.cfg.OnError(err)
}

func closeInfo(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return 0, err.Error()
}
