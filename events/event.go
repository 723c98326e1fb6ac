package events

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/devbridge-go/supervisor"
)

// Type discriminates the event kinds carried on the event channel.
type Type string

const (
	TypeRuntimeStatus Type = "runtime-status"
	TypeRuntimeError  Type = "runtime-error"
)

// Header is shared by every event.
type Header struct {
	Type            Type   `json:"type" jsonschema:"enum=runtime-status,enum=runtime-error"`
	ProtocolVersion string `json:"protocolVersion"`
	// EventID increases strictly per bus, starting at 1.
	EventID uint64 `json:"eventId"`
	// Timestamp is the emission time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Event is the closed set of events: *RuntimeStatusEvent and
// *RuntimeErrorEvent. Consumers switch on the concrete type.
type Event interface {
	EventHeader() Header
	sealed()
}

// RuntimeStatusEvent carries a runtime status snapshot.
type RuntimeStatusEvent struct {
	Header
	Status supervisor.Status `json:"status"`
}

// RuntimeErrorEvent carries a runtime failure message.
type RuntimeErrorEvent struct {
	Header
	Error string `json:"error"`
}

func (e *RuntimeStatusEvent) EventHeader() Header { return e.Header }
func (e *RuntimeErrorEvent) EventHeader() Header  { return e.Header }

func (*RuntimeStatusEvent) sealed() {}
func (*RuntimeErrorEvent) sealed()  {}

// Decode parses one serialized event.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch envelope.Type {
	case TypeRuntimeStatus:
		var ev RuntimeStatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", envelope.Type, err)
		}
		return &ev, nil
	case TypeRuntimeError:
		var ev RuntimeErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", envelope.Type, err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}
}
