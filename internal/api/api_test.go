package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evcharge/chargelink/internal/command"
	"github.com/evcharge/chargelink/internal/config"
	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/evcharge/chargelink/internal/models"
	"github.com/evcharge/chargelink/internal/storage"
	"github.com/evcharge/chargelink/internal/stream"
	"github.com/evcharge/chargelink/pkg/crypto"
)

const (
	testAPIKey = "local-ui-key"
	testIMEI   = "861234567890123"
)

type fakeStream struct {
	mu       sync.Mutex
	started  []string
	stopped  int
	tokens   []string
	startErr error
}

func (f *fakeStream) Start(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, token)
	return nil
}

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeStream) UpdateToken(token string) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
}

func (f *fakeStream) Status() stream.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return stream.Status{Started: len(f.started) > 0, Connected: len(f.started) > 0}
}

// echoBroker acknowledges every published command unless silent.
type echoBroker struct {
	silent bool
}

func (b *echoBroker) NewClient(opts command.ClientOptions) command.BrokerClient {
	return &echoClient{silent: b.silent, handlers: make(map[string]func(command.Message))}
}

type echoClient struct {
	silent   bool
	mu       sync.Mutex
	handlers map[string]func(command.Message)
}

func (c *echoClient) Connect(ctx context.Context) error { return nil }

func (c *echoClient) Subscribe(topic string, qos byte, handler func(command.Message)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()
	return nil
}

func (c *echoClient) Unsubscribe(topic string) error { return nil }

func (c *echoClient) Publish(topic string, qos byte, payload []byte) error {
	if c.silent {
		return nil
	}
	var req map[string]interface{}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	ack, _ := json.Marshal(map[string]interface{}{"imei": req["imei"], "pid": req["pid"], "res": 1})

	c.mu.Lock()
	handlers := make([]func(command.Message), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	go func() {
		time.Sleep(5 * time.Millisecond)
		for _, h := range handlers {
			h(command.Message{Payload: ack})
		}
	}()
	return nil
}

func (c *echoClient) Disconnect() {}

func newDevice(imei string) *models.Device {
	return &models.Device{IMEI: imei, Name: "Charger " + imei}
}

type testEnv struct {
	server  *RESTServer
	store   *storage.MemoryStore
	stream  *fakeStream
	monitor *lifecycle.Monitor
	token   string
}

func newTestEnv(t *testing.T, broker command.Broker) *testEnv {
	t.Helper()

	hash, err := crypto.HashPassword(testAPIKey)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.API.KeyHash = hash
	cfg.API.AllowedOrigins = []string{"*"}
	cfg.JWT.Secret = "test-secret"
	cfg.JWT.AccessTokenTTL = time.Hour
	cfg.MQTT.CommandTimeout = 2 * time.Second

	env := &testEnv{
		store:   storage.NewMemoryStore(),
		stream:  &fakeStream{},
		monitor: lifecycle.NewMonitor(lifecycle.Native),
	}
	selector := command.NewSelector(command.Options{
		Broker:         broker,
		CommandTimeout: cfg.MQTT.CommandTimeout,
		Recorder:       command.NewStoreRecorder(env.store),
	}, env.store)
	t.Cleanup(selector.Close)

	env.server = NewRESTServer(cfg, Deps{
		Store:     env.store,
		Stream:    env.stream,
		Lifecycle: env.monitor,
		Selector:  selector,
	})

	env.token, err = env.server.auth.GenerateToken("test")
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t, &echoBroker{})
	token := env.token
	env.token = ""

	rec, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/stream/status", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{"api_key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodPost, "/api/v1/auth/token", map[string]string{"api_key": testAPIKey})
	if rec.Code != http.StatusOK || body["access_token"] == "" {
		t.Fatalf("login = %d %v", rec.Code, body)
	}

	env.token = token
	rec, _ = env.do(t, http.MethodGet, "/api/v1/stream/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}

func TestStreamEndpoints(t *testing.T) {
	env := newTestEnv(t, &echoBroker{})

	rec, _ := env.do(t, http.MethodPost, "/api/v1/stream/start", map[string]string{"token": "abc"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start = %d", rec.Code)
	}
	if len(env.stream.started) != 1 || env.stream.started[0] != "abc" {
		t.Fatalf("started = %v", env.stream.started)
	}

	rec, _ = env.do(t, http.MethodPut, "/api/v1/stream/token", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty token = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodPut, "/api/v1/stream/token", map[string]string{"token": "refreshed"})
	if rec.Code != http.StatusNoContent || len(env.stream.tokens) != 1 {
		t.Fatalf("update token = %d %v", rec.Code, env.stream.tokens)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/stream/stop", nil)
	if rec.Code != http.StatusOK || env.stream.stopped != 1 {
		t.Fatalf("stop = %d stopped=%d", rec.Code, env.stream.stopped)
	}

	env.stream.startErr = stream.ErrNoToken
	rec, _ = env.do(t, http.MethodPost, "/api/v1/stream/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("start without token = %d", rec.Code)
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	env := newTestEnv(t, &echoBroker{})

	rec, body := env.do(t, http.MethodPut, "/api/v1/lifecycle", map[string]string{"state": "background"})
	if rec.Code != http.StatusOK || body["appState"] != "background" {
		t.Fatalf("background = %d %v", rec.Code, body)
	}
	if env.monitor.Current() != lifecycle.Background {
		t.Fatalf("monitor = %s", env.monitor.Current())
	}

	rec, _ = env.do(t, http.MethodPut, "/api/v1/lifecycle", map[string]bool{"visible": true})
	if rec.Code != http.StatusOK || env.monitor.Current() != lifecycle.Active {
		t.Fatalf("visible = %d %s", rec.Code, env.monitor.Current())
	}

	rec, _ = env.do(t, http.MethodPut, "/api/v1/lifecycle", map[string]string{"state": "sleeping"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad state = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPut, "/api/v1/lifecycle", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body = %d", rec.Code)
	}
}

func TestSelectAndSendCommand(t *testing.T) {
	env := newTestEnv(t, &echoBroker{})

	rec, _ := env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/select", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("select unknown = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices", map[string]string{"imei": "8612-3456-7890-123", "name": "Garage"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d", rec.Code)
	}

	rec, body := env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/select", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d %v", rec.Code, body)
	}
	if body["requestTopic"] != "dev"+testIMEI || body["replyTopic"] != "app"+testIMEI {
		t.Fatalf("topics = %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/999/commands", map[string]interface{}{"key": "sos", "value": 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("command to unselected device = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/commands", map[string]interface{}{"key": "imei", "value": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reserved key = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/commands", map[string]interface{}{"key": "sos", "value": 1})
	if rec.Code != http.StatusOK || body["outcome"] != "success" {
		t.Fatalf("command = %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/commands?imei="+testIMEI, nil)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("commands = %d %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/devices", nil)
	if rec.Code != http.StatusOK || body["selected"] != testIMEI {
		t.Fatalf("devices = %d %v", rec.Code, body)
	}

	dev, err := env.store.GetDevice(context.Background(), testIMEI)
	if err != nil || dev.LastCommandAt == nil {
		t.Fatalf("device not touched: %v %+v", err, dev)
	}
}

func TestPendingCommandAndCancel(t *testing.T) {
	env := newTestEnv(t, &echoBroker{silent: true})
	if err := env.store.UpsertDevice(context.Background(), newDevice(testIMEI)); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/select", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("select = %d", rec.Code)
	}

	rec, body := env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/commands",
		map[string]interface{}{"key": "sos", "value": 0, "wait": false})
	if rec.Code != http.StatusAccepted || body["correlationId"] == "" {
		t.Fatalf("async command = %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/devices/"+testIMEI+"/commands",
		map[string]interface{}{"key": "sos", "value": 1, "wait": false})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second command = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/devices/"+testIMEI+"/commands", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("cancel = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/devices/"+testIMEI+"/commands", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second cancel = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/commands?outcome=cancelled", nil)
	if rec.Code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("cancelled log = %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/devices/selection", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear selection = %d", rec.Code)
	}
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/devices/"+testIMEI+"/commands", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel after clear = %d", rec.Code)
	}
}

func TestRespondCommandError(t *testing.T) {
	s := &RESTServer{}
	cases := []struct {
		err  error
		code int
	}{
		{command.ErrCommandPending, http.StatusConflict},
		{command.ErrNotConnected, http.StatusServiceUnavailable},
		{command.ErrInvalidCommand, http.StatusBadRequest},
		{errors.New("publish command: broken pipe"), http.StatusBadGateway},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		s.respondCommandError(rec, c.err)
		if rec.Code != c.code {
			t.Errorf("%v -> %d, want %d", c.err, rec.Code, c.code)
		}
	}
}
