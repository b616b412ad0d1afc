// internal/stream/handler.go
package stream

import (
	"context"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/domain"
)

// Handler processes events of one channel. It runs on the connection's
// reader goroutine and should not block.
type Handler interface {
	Handle(ctx context.Context, event domain.Event) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as event handlers.
type HandlerFunc func(ctx context.Context, event domain.Event) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}

// State is the health of the stream connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Status is reported to status listeners on every state change. Attempt and
// Delay are set while reconnecting; Err carries the cause of a drop.
type Status struct {
	State   State
	Attempt int
	Delay   time.Duration
	Err     error
}
