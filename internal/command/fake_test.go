package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBroker struct {
	mu          sync.Mutex
	clients     []*fakeClient
	connectErrs []error
}

func (b *fakeBroker) NewClient(opts ClientOptions) BrokerClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{opts: opts, handlers: make(map[string]func(Message))}
	if len(b.connectErrs) > 0 {
		c.connectErr = b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
	}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *fakeBroker) client(i int) *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[i]
}

func (b *fakeBroker) last() *fakeClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[len(b.clients)-1]
}

type fakeClient struct {
	opts ClientOptions

	mu           sync.Mutex
	connectErr   error
	publishErr   error
	connected    bool
	disconnected bool
	handlers     map[string]func(Message)
	unsubscribed []string
	published    []Message
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Subscribe(topic string, qos byte, handler func(Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.handlers[topic] = handler
	return nil
}

func (c *fakeClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topic)
	delete(c.handlers, topic)
	return nil
}

func (c *fakeClient) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, Message{Topic: topic, Payload: payload})
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.disconnected = true
	c.mu.Unlock()
}

// deliver invokes the handler a subscription registered, even after the
// client was replaced, as a late broker callback would.
func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h != nil {
		h(Message{Topic: topic, Payload: []byte(payload)})
	}
}

func (c *fakeClient) publishedMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// results collects command results delivered to a done callback.
type results struct {
	mu  sync.Mutex
	got []Result
}

func (r *results) done(res Result) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
}

func (r *results) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.got...)
}

func (r *results) wait(t *testing.T, n int) []Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d results, got %d", n, len(r.all()))
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
