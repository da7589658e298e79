// Package bus propagates events between independently scaled instances.
//
// Every message carries the publishing instance id. Subscribers drop their
// own messages, so the origin instance only delivers an event locally once.
package bus

import (
	"context"
	"errors"

	"github.com/dgnsrekt/feedrelay/internal/event"
)

const (
	DefaultChannel = "feedrelay:events"

	// subscriber channel depth
	subscribeBuffer = 256
)

var ErrClosed = errors.New("bus closed")

// Message is one event on the wire.
type Message struct {
	Origin string         `msgpack:"o"`
	SentAt int64          `msgpack:"ts"`
	Event  event.Envelope `msgpack:"e"`
}

// Bus publishes envelopes to every other instance and receives theirs.
type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
	// Subscribe returns messages from other instances. The channel closes
	// when ctx is done or the bus is closed.
	Subscribe(ctx context.Context) (<-chan Message, error)
	Close() error
}
