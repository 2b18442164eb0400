package stream

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evcharge/chargelink/internal/credentials"
	"github.com/evcharge/chargelink/internal/lifecycle"
	"github.com/golang-jwt/jwt/v5"
)

type fakeStream struct {
	frames chan Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan Frame, 8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next() (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return Frame{}, err
	case <-s.closed:
		return Frame{}, errors.New("use of closed stream")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeOpener hands out queued results, then healthy streams.
type fakeOpener struct {
	mu      sync.Mutex
	queue   []error
	fail    error
	targets []string
	streams []*fakeStream
}

func (o *fakeOpener) Open(ctx context.Context, target string) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.targets = append(o.targets, target)
	if len(o.queue) > 0 {
		err := o.queue[0]
		o.queue = o.queue[1:]
		if err != nil {
			return nil, err
		}
	} else if o.fail != nil {
		return nil, o.fail
	}
	s := newFakeStream()
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.targets)
}

func (o *fakeOpener) lastTarget() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.targets[len(o.targets)-1]
}

func (o *fakeOpener) stream(i int) *fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[i]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) of(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, typ EventType, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.of(typ); len(evs) >= n {
			return evs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, typ, len(r.of(typ)))
	return nil
}

func newTestManager(t *testing.T, opener Opener, mut func(*Options)) (*Manager, *recorder) {
	t.Helper()
	opts := Options{
		URL:           "https://api.example.com/events",
		Opener:        opener,
		BaseDelay:     2 * time.Millisecond,
		MaxDelay:      8 * time.Millisecond,
		TokenDebounce: 10 * time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Destroy)

	rec := &recorder{}
	m.On(rec.listen)
	return m, rec
}

func TestStartOpensAndResetsAttempts(t *testing.T) {
	opener := &fakeOpener{queue: []error{errors.New("connection refused")}}
	m, rec := newTestManager(t, opener, nil)

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec.wait(t, EventOpen, 1)
	if got := rec.of(EventReconnecting); len(got) != 1 || got[0].Attempt != 1 {
		t.Fatalf("reconnecting events = %+v", got)
	}

	st := m.Status()
	if !st.Connected || st.Attempts != 0 {
		t.Fatalf("status after open = %+v", st)
	}

	u, err := url.Parse(opener.lastTarget())
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("token") != "tok" {
		t.Fatalf("target %s does not carry the token", opener.lastTarget())
	}
	if strings.Contains(st.LastTarget, "tok") {
		t.Fatalf("status leaks token: %s", st.LastTarget)
	}
}

func TestReconnectBackoff(t *testing.T) {
	opener := &fakeOpener{fail: errors.New("connection refused")}
	m, rec := newTestManager(t, opener, nil)

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}

	evs := rec.wait(t, EventReconnecting, 4)
	m.Stop()

	want := []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond, 8 * time.Millisecond}
	for i, d := range want {
		if evs[i].Delay != d || evs[i].Attempt != i+1 {
			t.Fatalf("reconnect %d: attempt=%d delay=%s, want attempt=%d delay=%s",
				i, evs[i].Attempt, evs[i].Delay, i+1, d)
		}
	}

	if st := m.Status(); st.Attempts != 0 || st.Connected {
		t.Fatalf("status after Stop = %+v", st)
	}

	time.Sleep(5 * time.Millisecond)
	calls := opener.calls()
	time.Sleep(30 * time.Millisecond)
	if opener.calls() != calls {
		t.Fatalf("reconnect ran after Stop: %d -> %d", calls, opener.calls())
	}
}

func TestAuthErrorEventStopsReconnecting(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, nil)

	var authCalls int
	var mu sync.Mutex
	m.OnAuthInvalid(func(error) {
		mu.Lock()
		authCalls++
		mu.Unlock()
	})

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	opener.stream(0).frames <- Frame{Event: "error", Data: `{"message":"invalid or expired token"}`}

	rec.wait(t, EventAuthInvalid, 1)
	time.Sleep(30 * time.Millisecond)

	if opener.calls() != 1 {
		t.Fatalf("reconnected after auth failure: %d opens", opener.calls())
	}
	if len(rec.of(EventReconnecting)) != 0 {
		t.Fatal("reconnecting emitted after auth failure")
	}
	if !m.Status().AuthDead {
		t.Fatal("authDead not set")
	}
	mu.Lock()
	if authCalls != 1 {
		t.Fatalf("auth callback ran %d times", authCalls)
	}
	mu.Unlock()
	if !opener.stream(0).isClosed() {
		t.Fatal("stream left open after auth failure")
	}

	m.UpdateToken("tok")
	time.Sleep(30 * time.Millisecond)
	if opener.calls() != 1 {
		t.Fatal("same token should not reopen")
	}

	m.UpdateToken("fresh")
	rec.wait(t, EventOpen, 2)
	if m.Status().AuthDead {
		t.Fatal("authDead not cleared by new token")
	}
}

func TestAuthErrorOnOpen(t *testing.T) {
	opener := &fakeOpener{fail: &HTTPStatusError{Code: 401, Body: "Unauthorized"}}
	m, rec := newTestManager(t, opener, nil)

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventAuthInvalid, 1)
	time.Sleep(20 * time.Millisecond)
	if opener.calls() != 1 {
		t.Fatalf("opens = %d, want 1", opener.calls())
	}
}

func TestExpiredJWTIsNotDialed(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, nil)
	if err := m.Start(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	rec.wait(t, EventAuthInvalid, 1)
	if opener.calls() != 0 {
		t.Fatalf("expired token was dialed")
	}
}

func TestStartIdempotent(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, nil)

	for i := 0; i < 3; i++ {
		if err := m.Start(context.Background(), "tok"); err != nil {
			t.Fatal(err)
		}
	}
	rec.wait(t, EventOpen, 1)
	if opener.calls() != 1 {
		t.Fatalf("opens = %d, want 1", opener.calls())
	}

	if err := m.Start(context.Background(), "other"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 2)
	if !opener.stream(0).isClosed() {
		t.Fatal("previous stream not closed on token change")
	}
}

func TestStartUsesStoredToken(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.Credentials = credentials.NewMemoryStore("stored")
	})

	if err := m.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)
	if !strings.Contains(opener.lastTarget(), "token=stored") {
		t.Fatalf("target = %s", opener.lastTarget())
	}

	empty, _ := newTestManager(t, opener, nil)
	if err := empty.Start(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestLifecycleBackgroundAndForeground(t *testing.T) {
	monitor := lifecycle.NewMonitor(lifecycle.Native)
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.Lifecycle = monitor
	})

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	monitor.Set(lifecycle.Background)
	rec.wait(t, EventClose, 1)
	if !opener.stream(0).isClosed() {
		t.Fatal("stream not closed in background")
	}

	time.Sleep(20 * time.Millisecond)
	if opener.calls() != 1 {
		t.Fatal("reconnected while in background")
	}

	monitor.Set(lifecycle.Active)
	rec.wait(t, EventOpen, 2)
	if st := m.Status(); !st.Connected || st.AppState != lifecycle.Active {
		t.Fatalf("status = %+v", st)
	}
}

func TestBackgroundCancelsPendingReconnect(t *testing.T) {
	monitor := lifecycle.NewMonitor(lifecycle.Native)
	opener := &fakeOpener{fail: errors.New("network down")}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.Lifecycle = monitor
		o.BaseDelay = 20 * time.Millisecond
		o.MaxDelay = 20 * time.Millisecond
	})

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventReconnecting, 1)
	monitor.Set(lifecycle.Inactive)

	time.Sleep(60 * time.Millisecond)
	if opener.calls() != 1 {
		t.Fatalf("opens = %d, want 1", opener.calls())
	}
}

func TestUpdateTokenDebounce(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.TokenDebounce = 20 * time.Millisecond
	})

	if err := m.Start(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	m.UpdateToken("")
	m.UpdateToken("b")
	m.UpdateToken("c")
	m.UpdateToken("d")

	rec.wait(t, EventOpen, 2)
	time.Sleep(40 * time.Millisecond)

	if opener.calls() != 2 {
		t.Fatalf("opens = %d, want 2", opener.calls())
	}
	if !strings.Contains(opener.lastTarget(), "token=d") {
		t.Fatalf("reopened with %s", opener.lastTarget())
	}
}

func TestUpdateTokenPersists(t *testing.T) {
	store := credentials.NewMemoryStore("")
	m, _ := newTestManager(t, &fakeOpener{}, func(o *Options) {
		o.Credentials = store
	})

	m.UpdateToken("new-token")
	got, err := store.Token(context.Background())
	if err != nil || got != "new-token" {
		t.Fatalf("stored token = %q, %v", got, err)
	}
}

func TestReplacedTokenRejectionDoesNotKillNewToken(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.TokenDebounce = 50 * time.Millisecond
	})

	var authCalls int
	var mu sync.Mutex
	m.OnAuthInvalid(func(error) {
		mu.Lock()
		authCalls++
		mu.Unlock()
	})

	if err := m.Start(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	m.UpdateToken("new")
	opener.stream(0).errs <- errors.New("invalid or expired token")

	rec.wait(t, EventOpen, 2)
	if !strings.Contains(opener.lastTarget(), "token=new") {
		t.Fatalf("reopened with %s", opener.lastTarget())
	}
	if st := m.Status(); st.AuthDead || !st.Connected {
		t.Fatalf("status = %+v", st)
	}
	if len(rec.of(EventAuthInvalid)) != 0 {
		t.Fatal("auth_invalid emitted for a replaced token")
	}
	mu.Lock()
	defer mu.Unlock()
	if authCalls != 0 {
		t.Fatalf("auth callback ran %d times", authCalls)
	}
}

func TestUpdateTokenAfterStartWithoutToken(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.Credentials = credentials.NewMemoryStore("")
	})

	if err := m.Start(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if opener.calls() != 0 {
		t.Fatal("dialed without a token")
	}

	m.UpdateToken("fresh")
	rec.wait(t, EventOpen, 1)

	st := m.Status()
	if !st.Started || !st.Connected {
		t.Fatalf("status = %+v", st)
	}
	if !strings.Contains(opener.lastTarget(), "token=fresh") {
		t.Fatalf("target = %s", opener.lastTarget())
	}
}

func TestMessagesAreDecoded(t *testing.T) {
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, nil)

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	s := opener.stream(0)
	s.frames <- Frame{Event: "alarm", Data: `{"imei":"860000000000001","type":"sos"}`}
	s.frames <- Frame{Data: "plain text"}

	evs := rec.wait(t, EventMessage, 2)
	obj, ok := evs[0].Data.(map[string]interface{})
	if !ok || obj["type"] != "sos" || evs[0].Name != "alarm" {
		t.Fatalf("first message = %+v", evs[0])
	}
	if evs[1].Data != "plain text" {
		t.Fatalf("second message = %+v", evs[1])
	}
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	opener := &fakeOpener{}
	m, err := NewManager(Options{URL: "https://api.example.com/events", Opener: opener})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Destroy()

	m.On(func(Event) { panic("boom") })
	rec := &recorder{}
	unsub := m.On(rec.listen)

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	unsub()
	m.Stop()
	if len(rec.of(EventClose)) != 0 {
		t.Fatal("unsubscribed listener received close")
	}
}

func TestDestroy(t *testing.T) {
	monitor := lifecycle.NewMonitor(lifecycle.Native)
	opener := &fakeOpener{}
	m, rec := newTestManager(t, opener, func(o *Options) {
		o.Lifecycle = monitor
	})

	if err := m.Start(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, EventOpen, 1)

	m.Destroy()
	if !opener.stream(0).isClosed() {
		t.Fatal("stream not closed by Destroy")
	}
	if err := m.Start(context.Background(), "tok"); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Start after Destroy = %v", err)
	}

	before := len(rec.of(EventOpen))
	monitor.Set(lifecycle.Background)
	monitor.Set(lifecycle.Active)
	m.UpdateToken("other")
	time.Sleep(30 * time.Millisecond)

	if opener.calls() != 1 || len(rec.of(EventOpen)) != before {
		t.Fatal("destroyed manager kept working")
	}
	if !m.Status().Destroyed {
		t.Fatal("status does not report destroyed")
	}
}
