// Package sse decodes the tutor service's line-oriented event stream.
package sse

import "fmt"

// EventType identifies a wire event variant.
type EventType int

const (
	// EventContent carries a text delta for the assistant reply.
	EventContent EventType = iota
	// EventDone marks successful completion of the reply.
	EventDone
	// EventError carries a backend-reported failure message.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventContent:
		return "content"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a single decoded wire event. Text is set for content and error events.
type Event struct {
	Type EventType
	Text string
}

// Content returns a content event.
func Content(text string) Event { return Event{Type: EventContent, Text: text} }

// Done returns a completion event.
func Done() Event { return Event{Type: EventDone} }

// Error returns an in-band error event.
func Error(text string) Event { return Event{Type: EventError, Text: text} }

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// TransportError reports a failure of the underlying transport before a
// terminal event was decoded. It is distinct from an in-band error event.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
