package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/notify"
	"github.com/evcharge/chargelink/pkg/backoff"
	"github.com/evcharge/chargelink/pkg/deviceid"
)

var (
	ErrInvalidDevice  = errors.New("device identifier has no digits")
	ErrCommandPending = errors.New("a command is already awaiting a reply")
	ErrNotConnected   = errors.New("command channel is not connected")
	ErrSuperseded     = errors.New("connection attempt superseded")

	// ErrNoResponse and ErrCancelled are carried in Result.Err.
	ErrNoResponse  = errors.New("no response from device")
	ErrCancelled   = errors.New("command cancelled")
	ErrRejected    = errors.New("device reported failure")
	errCorrelation = errors.New("ack correlation does not match platform id")
)

// State is the broker session state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Outcome is how a pending command was resolved.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is delivered exactly once per sent command.
type Result struct {
	Outcome       Outcome       `json:"outcome"`
	DeviceID      string        `json:"deviceId"`
	CorrelationID string        `json:"correlationId"`
	Command       Command       `json:"command"`
	Ack           *Ack          `json:"ack,omitempty"`
	SentAt        time.Time     `json:"sentAt"`
	Latency       time.Duration `json:"latency"`
	Err           error         `json:"-"`
}

// Recorder persists resolved commands.
type Recorder interface {
	RecordCommand(ctx context.Context, res Result) error
}

// Options configures a Channel.
type Options struct {
	Broker            Broker
	Topics            deviceid.Topics
	PlatformID        string
	QoS               byte
	CommandTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	StrictCorrelation bool
	Notifier          notify.Notifier
	Recorder          Recorder
}

func (o *Options) setDefaults() {
	if o.Topics.RequestPrefix == "" || o.Topics.ReplyPrefix == "" {
		o.Topics = deviceid.DefaultTopics()
	}
	if o.PlatformID == "" {
		o.PlatformID = "app"
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

type pendingCommand struct {
	correlationID string
	deviceID      string
	cmd           Command
	sentAt        time.Time
	timer         *time.Timer
	done          func(Result)
}

// Channel runs request/reply commands against one device over the broker.
type Channel struct {
	opts   Options
	logger zerolog.Logger

	mu              sync.Mutex
	deviceID        string
	requestTopic    string
	replyTopic      string
	generation      uint64
	state           State
	client          BrokerClient
	pending         *pendingCommand
	attempts        backoff.Counter
	shouldReconnect bool
	reconnectTimer  *time.Timer
	sessionCtx      context.Context
	sessionCancel   context.CancelFunc
	onStatus        func(notify.Status)
}

// NewChannel creates a disconnected channel.
func NewChannel(opts Options) *Channel {
	opts.setDefaults()
	return &Channel{
		opts:     opts,
		logger:   log.With().Str("component", "command").Logger(),
		state:    StateDisconnected,
		attempts: backoff.Counter{Base: opts.ReconnectBase, Max: opts.ReconnectMax},
	}
}

// OnStatus registers a callback for status changes of this channel.
func (c *Channel) OnStatus(fn func(notify.Status)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

// State returns the session state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceID returns the normalized id of the bound device.
func (c *Channel) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Topics returns the request and reply topics of the bound device.
func (c *Channel) Topics() (request, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestTopic, c.replyTopic
}

// Pending reports whether a command is awaiting its reply.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Connect binds the channel to deviceID and opens a fresh broker session.
// Any previous session is dropped and a command pending for another device
// is cancelled. A failed connect is retried in the background with backoff
// until Disconnect.
func (c *Channel) Connect(ctx context.Context, deviceID string) error {
	id := deviceid.Normalize(deviceID)
	if id == "" {
		return ErrInvalidDevice
	}

	c.mu.Lock()
	var cancelled *pendingCommand
	if c.deviceID != id {
		cancelled = c.claimPendingLocked()
	}
	c.stopReconnectLocked()
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	c.sessionCtx, c.sessionCancel = context.WithCancel(context.Background())
	c.deviceID = id
	c.requestTopic = c.opts.Topics.Request(id)
	c.replyTopic = c.opts.Topics.Reply(id)
	c.shouldReconnect = true
	c.attempts.Reset()
	c.mu.Unlock()

	if cancelled != nil {
		c.complete(cancelled, Result{Outcome: OutcomeCancelled, Err: ErrCancelled})
	}

	return c.dial(ctx)
}

// dial opens a new session under a new generation.
func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.generation++
	gen := c.generation
	old := c.client
	c.client = nil
	c.state = StateConnecting
	id := c.deviceID
	replyTopic := c.replyTopic
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	logger := c.logger.With().Str("deviceID", id).Uint64("generation", gen).Logger()
	logger.Debug().Msg("Connecting command channel")

	client := c.opts.Broker.NewClient(ClientOptions{
		ClientID: deviceid.ClientID(id),
		OnConnectionLost: func(err error) {
			c.connectionLost(gen, err)
		},
	})

	err := client.Connect(ctx)
	if err == nil {
		err = client.Subscribe(replyTopic, c.opts.QoS, func(msg Message) {
			c.handleMessage(gen, msg)
		})
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		client.Disconnect()
		return ErrSuperseded
	}
	if err != nil {
		c.state = StateDisconnected
		attempt, delay := c.scheduleReconnectLocked(gen)
		c.mu.Unlock()
		client.Disconnect()

		logger.Warn().Err(err).Dur("retryIn", delay).Msg("Command channel connect failed")
		c.emit(notify.Status{Kind: notify.KindError, DeviceID: id, Message: err.Error()})
		if delay > 0 {
			c.emit(notify.Status{Kind: notify.KindReconnecting, DeviceID: id, Attempt: attempt, Delay: delay})
		}
		return fmt.Errorf("connect command channel: %w", err)
	}
	c.client = client
	c.state = StateConnected
	c.attempts.Reset()
	c.mu.Unlock()

	logger.Info().Str("replyTopic", replyTopic).Msg("Command channel connected")
	c.emit(notify.Status{Kind: notify.KindConnected, DeviceID: id})
	return nil
}

// SendCommand publishes cmd and arms the reply timeout. done receives the
// result exactly once. Only one command may be pending at a time.
func (c *Channel) SendCommand(cmd Command, done func(Result)) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return "", ErrCommandPending
	}
	if c.state != StateConnected || c.client == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}

	payload, err := encodeRequest(c.deviceID, c.opts.PlatformID, cmd)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}

	p := &pendingCommand{
		correlationID: uuid.NewString(),
		deviceID:      c.deviceID,
		cmd:           cmd,
		sentAt:        time.Now(),
		done:          done,
	}
	c.pending = p
	client := c.client
	gen := c.generation
	topic := c.requestTopic
	c.mu.Unlock()

	if err := client.Publish(topic, c.opts.QoS, payload); err != nil {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		var attempt int
		var delay time.Duration
		if gen == c.generation && c.shouldReconnect {
			c.generation++
			c.client = nil
			c.state = StateDisconnected
			attempt, delay = c.scheduleReconnectLocked(c.generation)
		}
		c.mu.Unlock()

		if delay > 0 {
			client.Disconnect()
		}
		c.logger.Warn().Err(err).Str("deviceID", p.deviceID).Msg("Command publish failed")
		c.emit(notify.Status{Kind: notify.KindError, DeviceID: p.deviceID, Message: err.Error()})
		if delay > 0 {
			c.emit(notify.Status{Kind: notify.KindReconnecting, DeviceID: p.deviceID, Attempt: attempt, Delay: delay})
		}
		return "", fmt.Errorf("publish command: %w", err)
	}

	c.mu.Lock()
	if c.pending == p {
		p.timer = time.AfterFunc(c.opts.CommandTimeout, func() {
			c.resolve(p, Result{Outcome: OutcomeTimeout, Err: ErrNoResponse})
		})
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("deviceID", p.deviceID).
		Str("correlationID", p.correlationID).
		Str("key", cmd.Key).
		Str("topic", topic).
		Msg("Command sent")
	c.emit(notify.Status{
		Kind:          notify.KindCommandSent,
		DeviceID:      p.deviceID,
		CorrelationID: p.correlationID,
		Message:       cmd.Key,
	})

	return p.correlationID, nil
}

// Do sends cmd and waits for its result. Cancelling ctx cancels the command.
func (c *Channel) Do(ctx context.Context, cmd Command) (Result, error) {
	results := make(chan Result, 1)
	id, err := c.SendCommand(cmd, func(r Result) { results <- r })
	if err != nil {
		return Result{}, err
	}

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		c.cancel(id)
		r := <-results
		if r.Outcome == OutcomeCancelled {
			return r, ctx.Err()
		}
		return r, nil
	}
}

// Cancel resolves the pending command, if any, as cancelled.
func (c *Channel) Cancel() bool {
	return c.cancel("")
}

func (c *Channel) cancel(correlationID string) bool {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil || (correlationID != "" && p.correlationID != correlationID) {
		return false
	}
	return c.resolve(p, Result{Outcome: OutcomeCancelled, Err: ErrCancelled})
}

// Disconnect stops reconnecting, drops the session and cancels the pending
// command.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	c.generation++
	c.stopReconnectLocked()
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	client := c.client
	c.client = nil
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	p := c.claimPendingLocked()
	replyTopic := c.replyTopic
	id := c.deviceID
	c.mu.Unlock()

	if client != nil {
		if err := client.Unsubscribe(replyTopic); err != nil {
			c.logger.Debug().Err(err).Str("deviceID", id).Msg("Unsubscribe on disconnect failed")
		}
		client.Disconnect()
	}
	if p != nil {
		c.complete(p, Result{Outcome: OutcomeCancelled, Err: ErrCancelled})
	}
	if wasConnected {
		c.logger.Info().Str("deviceID", id).Msg("Command channel disconnected")
		c.emit(notify.Status{Kind: notify.KindDisconnected, DeviceID: id})
	}
}

func (c *Channel) handleMessage(gen uint64, msg Message) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug().Str("topic", msg.Topic).Msg("Dropping reply from superseded session")
		return
	}
	id := c.deviceID
	p := c.pending
	c.mu.Unlock()

	ack, err := ParseAck(msg.Payload, id)
	if err == nil && c.opts.StrictCorrelation && ack.CorrelationID != c.opts.PlatformID {
		err = errCorrelation
	}
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("deviceID", id).
			Str("topic", msg.Topic).
			Msg("Ignoring reply")
		return
	}

	if p == nil {
		c.logger.Debug().Str("deviceID", id).Msg("Reply with no pending command")
		return
	}

	res := Result{Outcome: OutcomeSuccess, Ack: ack}
	if !ack.Success {
		res.Outcome = OutcomeFailure
		res.Err = ErrRejected
	}
	c.resolve(p, res)
}

func (c *Channel) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || !c.shouldReconnect {
		c.mu.Unlock()
		return
	}
	c.generation++
	client := c.client
	c.client = nil
	c.state = StateDisconnected
	id := c.deviceID
	attempt, delay := c.scheduleReconnectLocked(c.generation)
	c.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	c.emit(notify.Status{Kind: notify.KindDisconnected, DeviceID: id, Message: err.Error()})
	c.emit(notify.Status{Kind: notify.KindReconnecting, DeviceID: id, Attempt: attempt, Delay: delay})
}

// scheduleReconnectLocked arms a reconnect for generation gen.
func (c *Channel) scheduleReconnectLocked(gen uint64) (int, time.Duration) {
	if !c.shouldReconnect {
		return 0, 0
	}
	c.stopReconnectLocked()

	delay := c.attempts.Next()
	attempt := c.attempts.Attempts()
	ctx := c.sessionCtx
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := gen != c.generation || !c.shouldReconnect
		c.mu.Unlock()
		if stale {
			return
		}
		// failures reschedule themselves
		_ = c.dial(ctx)
	})
	return attempt, delay
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// claimPendingLocked detaches the pending command so no other path can resolve it.
func (c *Channel) claimPendingLocked() *pendingCommand {
	p := c.pending
	if p == nil {
		return nil
	}
	c.pending = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// resolve completes p unless another path already did.
func (c *Channel) resolve(p *pendingCommand, res Result) bool {
	c.mu.Lock()
	if c.pending != p {
		c.mu.Unlock()
		return false
	}
	c.claimPendingLocked()
	c.mu.Unlock()

	c.complete(p, res)
	return true
}

func (c *Channel) complete(p *pendingCommand, res Result) {
	res.DeviceID = p.deviceID
	res.CorrelationID = p.correlationID
	res.Command = p.cmd
	res.SentAt = p.sentAt
	res.Latency = time.Since(p.sentAt)

	ev := c.logger.Info()
	if res.Outcome != OutcomeSuccess {
		ev = c.logger.Warn()
	}
	ev.Str("deviceID", res.DeviceID).
		Str("correlationID", res.CorrelationID).
		Str("outcome", string(res.Outcome)).
		Dur("latency", res.Latency).
		Msg("Command resolved")

	if c.opts.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.opts.Recorder.RecordCommand(ctx, res); err != nil {
			c.logger.Error().Err(err).Str("correlationID", res.CorrelationID).Msg("Failed to record command")
		}
		cancel()
	}

	st := notify.Status{
		Kind:          outcomeKind(res.Outcome),
		DeviceID:      res.DeviceID,
		CorrelationID: res.CorrelationID,
		Message:       p.cmd.Key,
		Data:          res,
	}
	if res.Err != nil {
		st.Message = res.Err.Error()
	}
	c.emit(st)

	if p.done != nil {
		p.done(res)
	}
}

func outcomeKind(o Outcome) notify.Kind {
	switch o {
	case OutcomeSuccess:
		return notify.KindCommandSuccess
	case OutcomeFailure:
		return notify.KindCommandFailure
	case OutcomeTimeout:
		return notify.KindCommandTimeout
	default:
		return notify.KindCommandCancelled
	}
}

func (c *Channel) emit(st notify.Status) {
	st.Source = notify.SourceCommand
	if st.Time.IsZero() {
		st.Time = time.Now()
	}

	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()

	if c.opts.Notifier != nil {
		c.opts.Notifier.Notify(st)
	}
	if fn != nil {
		fn(st)
	}
}
