package streamclient

import (
	"net/http"
	"strings"

	"crabstack.local/projects/crab-relay/internal/protocol"
)

// AuthDetector decides whether a connection failure was an authentication
// failure. The default is a heuristic over close codes and reason keywords;
// deployments with protocol-exact close codes can swap it without touching
// the reconnect state machine.
type AuthDetector interface {
	IsAuthClose(code int, reason string) bool
	IsAuthStatus(httpStatus int) bool
}

// KeywordAuthDetector matches a fixed close-code set, auth-related keywords
// in the close reason, and auth-ish handshake rejections.
type KeywordAuthDetector struct {
	CloseCodes   []int
	Keywords     []string
	HTTPStatuses []int
}

func DefaultAuthDetector() *KeywordAuthDetector {
	return &KeywordAuthDetector{
		CloseCodes:   []int{protocol.CloseCodeAuth, 1008},
		Keywords:     []string{"auth", "unauthorized", "ticket", "forbidden", "credential"},
		HTTPStatuses: []int{http.StatusUnauthorized, http.StatusForbidden},
	}
}

func (d *KeywordAuthDetector) IsAuthClose(code int, reason string) bool {
	for _, candidate := range d.CloseCodes {
		if candidate == code {
			return true
		}
	}
	lowered := strings.ToLower(reason)
	for _, keyword := range d.Keywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func (d *KeywordAuthDetector) IsAuthStatus(httpStatus int) bool {
	for _, candidate := range d.HTTPStatuses {
		if candidate == httpStatus {
			return true
		}
	}
	return false
}
