// Package channels connects external messaging transports to the bus. The
// only production adapter is the WhatsApp bridge; the Manager keeps the
// router transport-agnostic so more adapters can be registered later.
package channels

import (
	"context"

	"github.com/parlolabs/parlo/internal/bus"
)

// Channel is one transport adapter. Start must return after setup and feed
// inbound events to the bus from its own goroutines.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}
