package streamclient

import "fmt"

// State is the closed set of connection states. Exactly one is active at a
// time; each carries only the fields that are meaningful for it, so invalid
// combinations cannot be constructed.
type State interface {
	stateName() string
}

type Disconnected struct{}

type Connecting struct{}

type Connected struct {
	ExecutionID string
}

type Reconnecting struct {
	LastEventID int64
	Attempt     int
}

type RefreshingTicket struct{}

type Errored struct {
	Message   string
	Retryable bool
}

func (Disconnected) stateName() string     { return "disconnected" }
func (Connecting) stateName() string       { return "connecting" }
func (Connected) stateName() string        { return "connected" }
func (Reconnecting) stateName() string     { return "reconnecting" }
func (RefreshingTicket) stateName() string { return "refreshing_ticket" }
func (Errored) stateName() string          { return "error" }

func StateName(s State) string {
	if s == nil {
		return "disconnected"
	}
	return s.stateName()
}

func (s Connected) String() string {
	return fmt.Sprintf("connected{execution_id=%s}", s.ExecutionID)
}

func (s Reconnecting) String() string {
	return fmt.Sprintf("reconnecting{last_event_id=%d attempt=%d}", s.LastEventID, s.Attempt)
}

func (s Errored) String() string {
	return fmt.Sprintf("error{retryable=%t message=%s}", s.Retryable, s.Message)
}
