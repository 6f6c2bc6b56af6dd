package subscribers

import (
	"context"

	"crabstack.local/projects/crab-relay/internal/stream"
)

// Subscriber is an out-of-band sink for stored stream events, fed by the
// dispatcher after every append.
type Subscriber interface {
	Name() string
	Handle(context.Context, stream.StreamEvent) error
}
