package lifecycle

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// State mirrors the OS application state.
type State string

const (
	Active     State = "active"
	Inactive   State = "inactive"
	Background State = "background"
)

// Runtime selects how foreground is detected.
type Runtime string

const (
	Native Runtime = "native"
	Web    Runtime = "web"
)

// ParseState parses a state name.
func ParseState(s string) (State, error) {
	switch State(s) {
	case Active, Inactive, Background:
		return State(s), nil
	default:
		return "", fmt.Errorf("unknown app state %q", s)
	}
}

// ParseRuntime parses a runtime name; empty means native.
func ParseRuntime(s string) (Runtime, error) {
	switch Runtime(s) {
	case "", Native:
		return Native, nil
	case Web:
		return Web, nil
	default:
		return "", fmt.Errorf("unknown runtime %q", s)
	}
}

// Foreground reports whether connections may be held open in this state.
func (s State) Foreground() bool {
	return s == Active
}

// Monitor fans application state transitions out to subscribers.
type Monitor struct {
	// dispatch serializes transitions with their delivery. Subscribers must
	// not call Set.
	dispatch sync.Mutex

	mu      sync.Mutex
	runtime Runtime
	state   State
	nextID  int
	subs    []subscriber
}

type subscriber struct {
	id int
	fn func(State)
}

// NewMonitor creates a monitor starting in the active state.
func NewMonitor(runtime Runtime) *Monitor {
	if runtime == "" {
		runtime = Native
	}
	return &Monitor{runtime: runtime, state: Active}
}

// Runtime returns the runtime the monitor was created for.
func (m *Monitor) Runtime() Runtime {
	return m.runtime
}

// Current returns the last recorded state.
func (m *Monitor) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set records a transition and notifies subscribers in registration order.
// Repeating the current state is ignored.
func (m *Monitor) Set(state State) {
	m.dispatch.Lock()
	defer m.dispatch.Unlock()

	m.mu.Lock()
	if state == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = state
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()

	log.Debug().
		Str("from", string(prev)).
		Str("to", string(state)).
		Str("runtime", string(m.runtime)).
		Msg("App state changed")

	for _, s := range subs {
		s.fn(state)
	}
}

// SetVisible maps page visibility onto the state machine for the web runtime.
func (m *Monitor) SetVisible(visible bool) {
	if visible {
		m.Set(Active)
		return
	}
	m.Set(Background)
}

// Subscribe registers fn for future transitions.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}
