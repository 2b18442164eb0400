package server

import (
	"context"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/lifecycle"
)

type tokenRecorder struct {
	mu     sync.Mutex
	tokens []string
}

func (r *tokenRecorder) UpdateToken(token string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, token)
	r.mu.Unlock()
}

type nopBroker struct{}

func (nopBroker) NewClient(command.ClientOptions) command.BrokerClient { return &nopClient{} }

type nopClient struct {
	mu        sync.Mutex
	published []command.Message
}

func (c *nopClient) Connect(ctx context.Context) error { return nil }
func (c *nopClient) Subscribe(string, byte, func(command.Message)) error { return nil }
func (c *nopClient) Unsubscribe(string) error { return nil }
func (c *nopClient) Disconnect() {}
func (c *nopClient) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	c.published = append(c.published, command.Message{Topic: topic, Payload: payload})
	c.mu.Unlock()
	return nil
}

func newTestSubscriber(t *testing.T) (*NATSSubscriber, *tokenRecorder, *lifecycle.Monitor, *command.Selector) {
	tokens := &tokenRecorder{}
	monitor := lifecycle.NewMonitor(lifecycle.Web)
	selector := command.NewSelector(command.Options{Broker: nopBroker{}}, nil)
	t.Cleanup(selector.Close)

	s := NewNATSSubscriber(nil, "chargelink", ControlDeps{
		Stream:    tokens,
		Lifecycle: monitor,
		Selector:  selector,
	})
	return s, tokens, monitor, selector
}

func msg(subject, data string) *nats.Msg {
	return &nats.Msg{Subject: subject, Data: []byte(data)}
}

func TestSubject(t *testing.T) {
	s, _, _, _ := newTestSubscriber(t)
	if got := s.Subject("token"); got != "chargelink.control.token" {
		t.Fatalf("subject = %q", got)
	}
}

func TestHandleToken(t *testing.T) {
	s, tokens, _, _ := newTestSubscriber(t)

	s.handleToken(msg("chargelink.control.token", `{"token":"fresh"}`))
	s.handleToken(msg("chargelink.control.token", `{"token":""}`))
	s.handleToken(msg("chargelink.control.token", `not json`))

	if len(tokens.tokens) != 1 || tokens.tokens[0] != "fresh" {
		t.Fatalf("tokens = %v", tokens.tokens)
	}
}

func TestHandleLifecycle(t *testing.T) {
	s, _, monitor, _ := newTestSubscriber(t)

	s.handleLifecycle(msg("chargelink.control.lifecycle", `{"visible":false}`))
	if monitor.Current() != lifecycle.Background {
		t.Fatalf("after hidden = %s", monitor.Current())
	}

	s.handleLifecycle(msg("chargelink.control.lifecycle", `{"state":"bogus"}`))
	s.handleLifecycle(msg("chargelink.control.lifecycle", `{}`))
	if monitor.Current() != lifecycle.Background {
		t.Fatalf("ignored messages changed state to %s", monitor.Current())
	}

	s.handleLifecycle(msg("chargelink.control.lifecycle", `{"state":"active"}`))
	if monitor.Current() != lifecycle.Active {
		t.Fatalf("after active = %s", monitor.Current())
	}
}

func TestHandleSelectAndCommand(t *testing.T) {
	s, _, _, selector := newTestSubscriber(t)

	s.handleCommand(msg("chargelink.control.command", `{"key":"sos","value":1}`))

	s.handleSelect(msg("chargelink.control.select", `{"imei":"86-1234"}`))
	ch := selector.Current()
	if ch == nil || ch.DeviceID() != "861234" {
		t.Fatalf("selected = %v", ch)
	}
	if ch.State() != command.StateConnected {
		t.Fatalf("state = %s", ch.State())
	}

	s.handleCommand(msg("chargelink.control.command", `{"key":"sos","value":1}`))
	if !ch.Pending() {
		t.Fatal("command was not sent")
	}

	s.handleSelect(msg("chargelink.control.select", `{"imei":"none"}`))
	if selector.Current() != ch {
		t.Fatal("invalid selection replaced the channel")
	}
}
