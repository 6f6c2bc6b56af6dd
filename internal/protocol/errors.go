package protocol

import (
	"strings"

	"github.com/gorilla/websocket"
)

// ErrorCode is the closed set of error codes surfaced at the websocket
// boundary. Each code maps to a distinct close code so remote clients can
// classify a close without parsing free-form text.
type ErrorCode string

const (
	ErrCodeProtocol          ErrorCode = "protocol_error"
	ErrCodeAuth              ErrorCode = "auth_error"
	ErrCodeSessionNotFound   ErrorCode = "session_not_found"
	ErrCodeExecutionNotFound ErrorCode = "execution_not_found"
	ErrCodeDuplicateIngest   ErrorCode = "duplicate_ingest"
	ErrCodeInternal          ErrorCode = "internal_error"
)

const (
	CloseCodeAuth              = 4001
	CloseCodeProtocol          = 4002
	CloseCodeSessionNotFound   = 4004
	CloseCodeExecutionNotFound = 4005
	CloseCodeDuplicateIngest   = 4009
)

func (c ErrorCode) CloseCode() int {
	switch c {
	case ErrCodeAuth:
		return CloseCodeAuth
	case ErrCodeProtocol:
		return CloseCodeProtocol
	case ErrCodeSessionNotFound:
		return CloseCodeSessionNotFound
	case ErrCodeExecutionNotFound:
		return CloseCodeExecutionNotFound
	case ErrCodeDuplicateIngest:
		return CloseCodeDuplicateIngest
	default:
		return websocket.CloseInternalServerErr
	}
}

// CloseReason builds the close-frame reason text. The code name leads the
// string so keyword-based classifiers on the client side keep working even
// when the detail changes.
func CloseReason(c ErrorCode, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return string(c)
	}
	return string(c) + ": " + detail
}
