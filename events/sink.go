package events

import "context"

// Sink receives every serialized event a Bus emits, in emission order, on a
// goroutine owned by the bus. Catch-up events sent to a single client on
// registration are not published.
type Sink interface {
	Publish(ctx context.Context, payload []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload []byte) error

func (f SinkFunc) Publish(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Observer is notified of bus activity. It is called with the bus lock held
// and must not block.
type Observer interface {
	EventEmitted(eventType string)
	EventClientAdded()
	EventClientRemoved(reason string)
}

type nopObserver struct{}

func (nopObserver) EventEmitted(string)       {}
func (nopObserver) EventClientAdded()         {}
func (nopObserver) EventClientRemoved(string) {}
