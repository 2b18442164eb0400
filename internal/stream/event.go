package stream

import "time"

// EventType names a lifecycle or data event delivered to listeners.
type EventType string

const (
	EventOpen         EventType = "open"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
	EventClose        EventType = "close"
	EventReconnecting EventType = "reconnecting"
	EventAuthInvalid  EventType = "auth_invalid"
)

// Event is delivered to every registered listener.
type Event struct {
	Type EventType
	// Name is the SSE event name of a message, if the server set one.
	Name string
	// Data is the JSON-decoded payload, or the raw text when it is not JSON.
	Data interface{}
	Raw  string
	Err  error
	// Attempt and Delay describe a scheduled reconnect.
	Attempt int
	Delay   time.Duration
	Time    time.Time
}

// Listener receives events synchronously in registration order.
type Listener func(Event)
