package supervisor

import (
	"time"
)

// EventType identifies the variant carried by an Event.
type EventType string

const (
	// EventToken carries a delta of emittable text content.
	EventToken EventType = "token"
	// EventMessage carries a structured message (e.g. a tool/function call
	// surfaced by the upstream source) that does not count toward TokenCount.
	EventMessage EventType = "message"
	// EventData carries an opaque, provider-specific payload.
	EventData EventType = "data"
	// EventProgress carries a human-readable progress update.
	EventProgress EventType = "progress"
	// EventComplete signals normal termination of the current attempt.
	EventComplete EventType = "complete"
	// EventError signals that the attempt ended abnormally.
	EventError EventType = "error"
)

// MessageRole identifies the author of an EventMessage.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Event is the tagged variant produced by the Normalizer and emitted to
// consumers of a Result's Stream. Every event carries a monotonic millisecond
// timestamp. Exactly one of the payload fields is meaningful, selected by Type.
type Event struct {
	Type      EventType
	Value     string      // Token.value / Progress.value
	Role      MessageRole // Message.role
	Payload   any         // Data.payload
	Err       error       // Error.error
	Timestamp int64       // milliseconds, monotonic within one call
}

// nowMillis returns the current time in the supervisor's monotonic timestamp
// unit. Extracted so tests can observe the field is populated without relying
// on wall-clock exactness.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newToken returns a stamped Token event.
func newToken(value string) Event {
	return Event{Type: EventToken, Value: value, Timestamp: nowMillis()}
}

// newMessage returns a stamped Message event.
func newMessage(value string, role MessageRole) Event {
	return Event{Type: EventMessage, Value: value, Role: role, Timestamp: nowMillis()}
}

// newData returns a stamped Data event.
func newData(payload any) Event {
	return Event{Type: EventData, Payload: payload, Timestamp: nowMillis()}
}

// newProgress returns a stamped Progress event.
func newProgress(value string) Event {
	return Event{Type: EventProgress, Value: value, Timestamp: nowMillis()}
}

// newComplete returns a stamped Complete event.
func newComplete() Event {
	return Event{Type: EventComplete, Timestamp: nowMillis()}
}

// newErrorEvent returns a stamped Error event wrapping err.
func newErrorEvent(err error) Event {
	return Event{Type: EventError, Err: err, Timestamp: nowMillis()}
}

// IsTerminal reports whether the event ends the attempt (or call).
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}
