package notify

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Source identifies the component reporting a status change.
type Source string

const (
	SourceStream  Source = "stream"
	SourceCommand Source = "command"
)

// Kind is the externally meaningful outcome being reported.
type Kind string

const (
	KindConnected        Kind = "connected"
	KindDisconnected     Kind = "disconnected"
	KindReconnecting     Kind = "reconnecting"
	KindError            Kind = "error"
	KindAuthInvalid      Kind = "auth_invalid"
	KindMessage          Kind = "message"
	KindCommandSent      Kind = "command_sent"
	KindCommandSuccess   Kind = "command_success"
	KindCommandFailure   Kind = "command_failure"
	KindCommandTimeout   Kind = "command_timeout"
	KindCommandCancelled Kind = "command_cancelled"
)

// Status is one status change surfaced to the UI layer.
type Status struct {
	Source        Source        `json:"source"`
	Kind          Kind          `json:"kind"`
	DeviceID      string        `json:"deviceId,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Message       string        `json:"message,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
	Delay         time.Duration `json:"delay,omitempty"`
	Data          interface{}   `json:"data,omitempty"`
	Time          time.Time     `json:"time"`
}

// Notifier receives status changes.
type Notifier interface {
	Notify(st Status)
}

// Func adapts a function to Notifier.
type Func func(Status)

// Notify calls f.
func (f Func) Notify(st Status) { f(st) }

// LogNotifier writes every status to the global logger.
type LogNotifier struct{}

// Notify logs the status.
func (LogNotifier) Notify(st Status) {
	ev := log.Info()
	switch st.Kind {
	case KindError, KindCommandFailure, KindCommandTimeout:
		ev = log.Warn()
	case KindAuthInvalid:
		ev = log.Error()
	case KindMessage:
		ev = log.Debug()
	}

	ev = ev.Str("source", string(st.Source)).Str("kind", string(st.Kind))
	if st.DeviceID != "" {
		ev = ev.Str("deviceID", st.DeviceID)
	}
	if st.CorrelationID != "" {
		ev = ev.Str("correlationID", st.CorrelationID)
	}
	if st.Attempt > 0 {
		ev = ev.Int("attempt", st.Attempt)
	}
	if st.Delay > 0 {
		ev = ev.Dur("delay", st.Delay)
	}
	ev.Msg(st.Message)
}

// Multi fans a status out to several notifiers in order.
type Multi []Notifier

// Notify forwards st to every notifier.
func (m Multi) Notify(st Status) {
	for _, n := range m {
		if n != nil {
			n.Notify(st)
		}
	}
}
