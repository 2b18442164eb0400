package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/evcharge/chargelink/internal/credentials"
	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/evcharge/chargelink/internal/notify"
	"github.com/evcharge/chargelink/pkg/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDestroyed is returned by every call made after Destroy.
	ErrDestroyed = errors.New("stream manager destroyed")
	// ErrNoToken is returned by Start when no token is given or stored.
	ErrNoToken = credentials.ErrNoToken
)

var defaultAuthMarkers = []string{
	"invalid or expired token",
	"invalid token",
	"expired token",
	"token expired",
	"unauthorized",
	"401",
}

// Options configures a Manager.
type Options struct {
	URL    string
	Opener Opener
	// Credentials supplies the token when Start is called without one and
	// receives tokens passed to UpdateToken.
	Credentials   credentials.Store
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	TokenDebounce time.Duration
	AuthMarkers   []string
	Lifecycle     *lifecycle.Monitor
	Notifier      notify.Notifier
}

// Status is a point-in-time view of the manager.
type Status struct {
	Connected  bool            `json:"connected"`
	Opening    bool            `json:"opening"`
	Started    bool            `json:"started"`
	Attempts   int             `json:"attempts"`
	AuthDead   bool            `json:"authDead"`
	AppState   lifecycle.State `json:"appState"`
	LastTarget string          `json:"lastTarget,omitempty"`
	HasToken   bool            `json:"hasToken"`
	Destroyed  bool            `json:"destroyed"`
}

// Manager owns one persistent server-push connection for the signed-in user.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	token          string
	stream         Stream
	connCancel     context.CancelFunc
	attempts       backoff.Counter
	appState       lifecycle.State
	started        bool
	authDead       bool
	lastTarget     string
	opening        bool
	openingTarget  string
	generation     uint64
	reconnectTimer *time.Timer
	debounceTimer  *time.Timer
	destroyed      bool
	unsubscribe    func()
	onAuthInvalid  func(error)

	lmu       sync.Mutex
	nextID    int
	listeners []registered
}

type registered struct {
	id int
	fn Listener
}

// NewManager creates a manager. When opts.Lifecycle is set the manager
// follows its state transitions until Destroy.
func NewManager(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("stream url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	if opts.Opener == nil {
		opts.Opener = &SSEOpener{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.TokenDebounce <= 0 {
		opts.TokenDebounce = 300 * time.Millisecond
	}
	if len(opts.AuthMarkers) == 0 {
		opts.AuthMarkers = defaultAuthMarkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   log.With().Str("component", "stream").Logger(),
		ctx:      ctx,
		cancel:   cancel,
		attempts: backoff.Counter{Base: opts.BaseDelay, Max: opts.MaxDelay},
		appState: lifecycle.Active,
	}

	if opts.Lifecycle != nil {
		m.appState = opts.Lifecycle.Current()
		m.unsubscribe = opts.Lifecycle.Subscribe(m.SetAppState)
	}

	return m, nil
}

// Start opens the connection with token, or with the stored token when
// token is empty. Calling it again with the token already in use is a no-op.
// Without any token it returns ErrNoToken and waits for UpdateToken.
func (m *Manager) Start(ctx context.Context, token string) error {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}

	if token == "" {
		if m.opts.Credentials == nil {
			m.arm()
			return ErrNoToken
		}
		stored, err := m.opts.Credentials.Token(ctx)
		if err != nil {
			if errors.Is(err, credentials.ErrNoToken) {
				m.arm()
			}
			return fmt.Errorf("load stream token: %w", err)
		}
		token = stored
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.started && m.token == token && (m.stream != nil || m.opening) {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.token = token
	m.authDead = false
	m.attempts.Reset()
	m.stopReconnectLocked()
	m.mu.Unlock()

	m.open()
	return nil
}

// arm marks the manager started without a stored token so that the next
// UpdateToken opens the stream. A token already set by UpdateToken is
// dialed right away.
func (m *Manager) arm() {
	m.mu.Lock()
	if !m.destroyed && !m.started {
		m.started = true
		m.attempts.Reset()
		m.logger.Info().Msg("Event stream waiting for a token")
	}
	m.mu.Unlock()

	m.open()
}

// Stop closes the connection and cancels any scheduled reconnect. Listeners
// stay registered.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.stopDebounceLocked()
	s := m.closeLocked()
	m.attempts.Reset()
	m.mu.Unlock()

	if s != nil {
		s.Close()
		m.emit(Event{Type: EventClose})
	}
	m.logger.Info().Msg("Event stream stopped")
}

// UpdateToken replaces the token and schedules a debounced reopen. Empty and
// unchanged tokens are ignored.
func (m *Manager) UpdateToken(token string) {
	if token == "" {
		return
	}

	m.mu.Lock()
	if m.destroyed || token == m.token {
		m.mu.Unlock()
		return
	}
	m.token = token
	m.authDead = false
	m.attempts.Reset()
	m.stopDebounceLocked()
	var t *time.Timer
	t = time.AfterFunc(m.opts.TokenDebounce, func() {
		m.mu.Lock()
		if m.debounceTimer == t {
			m.debounceTimer = nil
		}
		m.mu.Unlock()
		m.open()
	})
	m.debounceTimer = t
	m.mu.Unlock()

	m.logger.Debug().Dur("debounce", m.opts.TokenDebounce).Msg("Stream token updated")

	if m.opts.Credentials != nil {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		if err := m.opts.Credentials.SetToken(ctx, token); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist stream token")
		}
	}
}

// On registers a listener. Listeners run synchronously in registration order.
func (m *Manager) On(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	destroyed := m.destroyed
	m.mu.Unlock()
	if destroyed || l == nil {
		return func() {}
	}

	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, registered{id: id, fn: l})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, r := range m.listeners {
				if r.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// OnAuthInvalid sets the callback invoked once each time the token is refused.
func (m *Manager) OnAuthInvalid(fn func(error)) {
	m.mu.Lock()
	m.onAuthInvalid = fn
	m.mu.Unlock()
}

// Destroy detaches from lifecycle updates, closes the connection and drops
// every listener. The manager cannot be reused.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.started = false
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.stopDebounceLocked()
	s := m.closeLocked()
	m.onAuthInvalid = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.cancel()

	if s != nil {
		s.Close()
		m.emit(Event{Type: EventClose})
	}

	m.lmu.Lock()
	m.listeners = nil
	m.lmu.Unlock()

	m.logger.Info().Msg("Event stream destroyed")
}

// SetAppState applies an application state transition. Leaving the
// foreground closes the connection; returning to it reopens.
func (m *Manager) SetAppState(state lifecycle.State) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	prev := m.appState
	m.appState = state

	if !state.Foreground() {
		s := m.closeLocked()
		m.mu.Unlock()
		if s != nil {
			s.Close()
			m.emit(Event{Type: EventClose})
		}
		m.logger.Debug().Str("state", string(state)).Msg("Stream paused while app is not active")
		return
	}
	m.mu.Unlock()

	if !prev.Foreground() {
		m.open()
	}
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Connected: m.stream != nil,
		Opening:   m.opening,
		Started:   m.started,
		Attempts:  m.attempts.Attempts(),
		AuthDead:  m.authDead,
		AppState:  m.appState,
		HasToken:  m.token != "",
		Destroyed: m.destroyed,
	}
	if m.lastTarget != "" {
		st.LastTarget = redactTarget(m.lastTarget)
	}
	return st
}

// open dials a new connection unless one is already live or in flight for
// the same target.
func (m *Manager) open() {
	m.mu.Lock()
	if m.destroyed || !m.started || m.authDead || m.token == "" || !m.appState.Foreground() {
		m.mu.Unlock()
		return
	}

	target, err := BuildTarget(m.opts.URL, m.token)
	if err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("Failed to build stream target")
		return
	}

	if m.opening && target == m.openingTarget {
		m.mu.Unlock()
		return
	}
	if m.stream != nil && target == m.lastTarget {
		m.mu.Unlock()
		return
	}

	old := m.closeLocked()
	m.opening = true
	m.openingTarget = target
	gen := m.generation
	token := m.token
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Debug().Str("target", redactTarget(target)).Msg("Opening event stream")

	var s Stream
	err = checkTokenExpiry(token, time.Now())
	if err == nil {
		s, err = m.opts.Opener.Open(ctx, target)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if s != nil {
			s.Close()
		}
		return
	}
	m.opening = false
	m.openingTarget = ""
	if err != nil {
		m.mu.Unlock()
		m.handleFailure(gen, token, err)
		return
	}
	m.stream = s
	m.lastTarget = target
	m.attempts.Reset()
	m.mu.Unlock()

	m.logger.Info().Str("target", redactTarget(target)).Msg("Event stream connected")
	m.emit(Event{Type: EventOpen})

	go m.readLoop(gen, token, s)
}

func (m *Manager) readLoop(gen uint64, token string, s Stream) {
	for {
		f, err := s.Next()
		if !m.isCurrent(gen) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream ended by server")
			}
			m.handleFailure(gen, token, err)
			return
		}
		if f.Event == "error" {
			m.handleFailure(gen, token, &ServerError{Message: f.Data})
			return
		}
		m.emit(Event{Type: EventMessage, Name: f.Event, Data: decodeData(f.Data), Raw: f.Data})
	}
}

// handleFailure closes the connection of generation gen, dialed with token,
// and either marks the token dead or schedules the next attempt. A failure
// of a token that has since been replaced never marks the new one dead.
func (m *Manager) handleFailure(gen uint64, token string, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	s := m.closeLocked()

	events := []Event{{Type: EventError, Err: err}}
	var authCallback func(error)
	reopen := false

	switch {
	case token != m.token:
		// the pending debounce dials the new token
		reopen = m.debounceTimer == nil
	case isAuthError(err, m.opts.AuthMarkers):
		if !m.authDead {
			m.authDead = true
			events = append(events, Event{Type: EventAuthInvalid, Err: err})
			authCallback = m.onAuthInvalid
		}
	case m.destroyed || m.authDead || !m.started || !m.appState.Foreground():
		// no reconnect
	default:
		delay := m.attempts.Next()
		attempt := m.attempts.Attempts()
		m.scheduleReconnectLocked(delay)
		events = append(events, Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})
	}
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}

	m.logger.Warn().Err(err).Msg("Event stream failed")
	for _, ev := range events {
		m.emit(ev)
	}
	if authCallback != nil {
		authCallback(err)
	}
	if reopen {
		m.open()
	}
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.stopReconnectLocked()
	gen := m.generation
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if !m.isCurrent(gen) {
			return
		}
		m.open()
	})
}

// closeLocked invalidates the current generation and detaches the live
// stream, which the caller closes after releasing the lock.
func (m *Manager) closeLocked() Stream {
	m.generation++
	m.opening = false
	m.openingTarget = ""
	m.stopReconnectLocked()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	s := m.stream
	m.stream = nil
	return s
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) stopDebounceLocked() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation && !m.destroyed
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	m.lmu.Lock()
	listeners := append([]registered(nil), m.listeners...)
	m.lmu.Unlock()

	for _, r := range listeners {
		m.deliver(r.fn, ev)
	}

	if m.opts.Notifier != nil {
		m.opts.Notifier.Notify(toStatus(ev))
	}
}

func (m *Manager) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("event", string(ev.Type)).
				Msg("Stream listener panicked")
		}
	}()
	fn(ev)
}

func toStatus(ev Event) notify.Status {
	st := notify.Status{
		Source:  notify.SourceStream,
		Attempt: ev.Attempt,
		Delay:   ev.Delay,
		Time:    ev.Time,
	}
	switch ev.Type {
	case EventOpen:
		st.Kind = notify.KindConnected
	case EventClose:
		st.Kind = notify.KindDisconnected
	case EventReconnecting:
		st.Kind = notify.KindReconnecting
	case EventAuthInvalid:
		st.Kind = notify.KindAuthInvalid
	case EventMessage:
		st.Kind = notify.KindMessage
		st.Message = ev.Name
		st.Data = ev.Data
	default:
		st.Kind = notify.KindError
	}
	if ev.Err != nil {
		st.Message = ev.Err.Error()
	}
	return st
}
