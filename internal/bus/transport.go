package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when using a closed bus or transport.
var ErrClosed = errors.New("bus: closed")

// Transport carries events between sibling processes.
//
// Send must not call back into the bus. Listen blocks, calling deliver for
// every event received from a sibling, until ctx is done or the transport
// is closed; it returns ctx.Err() on cancellation.
type Transport interface {
	Name() string
	Send(ctx context.Context, ev Event) error
	Listen(ctx context.Context, deliver func(Event)) error
	Close() error
}
