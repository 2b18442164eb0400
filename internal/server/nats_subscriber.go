package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/lifecycle"
)

// TokenUpdater receives refreshed stream tokens
type TokenUpdater interface {
	UpdateToken(token string)
}

// ControlDeps are the components driven from the control bus
type ControlDeps struct {
	Stream    TokenUpdater
	Lifecycle *lifecycle.Monitor
	Selector  *command.Selector
}

// NATSSubscriber NATS control bus subscriber. Host applications publish
// token refreshes, lifecycle transitions, device selection and commands
// under <prefix>.control.
type NATSSubscriber struct {
	nc     *nats.Conn
	prefix string
	deps   ControlDeps
	subs   []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, prefix string, deps ControlDeps) *NATSSubscriber {
	return &NATSSubscriber{
		nc:     nc,
		prefix: prefix,
		deps:   deps,
		subs:   make([]*nats.Subscription, 0),
	}
}

// Subject returns the control subject for name
func (s *NATSSubscriber) Subject(name string) string {
	return s.prefix + ".control." + name
}

// Start starts subscriptions and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	handlers := map[string]nats.MsgHandler{
		"token":     s.handleToken,
		"lifecycle": s.handleLifecycle,
		"select":    s.handleSelect,
		"command":   s.handleCommand,
	}

	for name, h := range handlers {
		sub, err := s.nc.Subscribe(s.Subject(name), h)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", s.Subject(name), err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("prefix", s.prefix).
		Msg("NATS control subscriber started")

	<-ctx.Done()

	s.unsubscribe()
	return ctx.Err()
}

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = s.subs[:0]
}

// handleToken handles stream token refreshes
func (s *NATSSubscriber) handleToken(msg *nats.Msg) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Token == "" {
		log.Warn().Str("subject", msg.Subject).Msg("Dropped malformed token message")
		return
	}

	s.deps.Stream.UpdateToken(req.Token)
	log.Debug().Msg("Stream token refreshed from control bus")
}

// handleLifecycle handles app state and visibility changes
func (s *NATSSubscriber) handleLifecycle(msg *nats.Msg) {
	var req struct {
		State   string `json:"state"`
		Visible *bool  `json:"visible"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropped malformed lifecycle message")
		return
	}

	switch {
	case req.State != "":
		state, err := lifecycle.ParseState(req.State)
		if err != nil {
			log.Warn().Err(err).Msg("Dropped lifecycle message")
			return
		}
		s.deps.Lifecycle.Set(state)
	case req.Visible != nil:
		s.deps.Lifecycle.SetVisible(*req.Visible)
	default:
		log.Warn().Str("subject", msg.Subject).Msg("Lifecycle message has neither state nor visible")
	}
}

// handleSelect handles device selection
func (s *NATSSubscriber) handleSelect(msg *nats.Msg) {
	var req struct {
		IMEI string `json:"imei"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropped malformed select message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := s.deps.Selector.Select(ctx, req.IMEI)
	if err != nil {
		log.Warn().Err(err).Str("deviceID", req.IMEI).Msg("Device selection from control bus failed")
		s.reply(msg, map[string]interface{}{"error": err.Error()})
		return
	}

	request, reply := ch.Topics()
	s.reply(msg, map[string]interface{}{
		"deviceId":     ch.DeviceID(),
		"requestTopic": request,
		"replyTopic":   reply,
		"state":        ch.State(),
	})
}

// handleCommand sends a command to the selected device; the result is
// returned when the message carries a reply subject
func (s *NATSSubscriber) handleCommand(msg *nats.Msg) {
	var cmd command.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropped malformed command message")
		return
	}

	ch := s.deps.Selector.Current()
	if ch == nil {
		s.reply(msg, map[string]interface{}{"error": "no device selected"})
		return
	}

	if msg.Reply == "" {
		if _, err := ch.SendCommand(cmd, nil); err != nil {
			log.Warn().Err(err).Str("deviceID", ch.DeviceID()).Msg("Control bus command rejected")
		}
		return
	}

	// Wait for the device without blocking the subscription
	go func() {
		res, err := ch.Do(context.Background(), cmd)
		if err != nil {
			s.reply(msg, map[string]interface{}{"error": err.Error()})
			return
		}
		out := map[string]interface{}{"result": res}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		s.reply(msg, out)
	}()
}

func (s *NATSSubscriber) reply(msg *nats.Msg, v interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal control reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Debug().Err(err).Str("reply", msg.Reply).Msg("Failed to send control reply")
	}
}
