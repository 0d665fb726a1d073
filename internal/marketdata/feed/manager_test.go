package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type harness struct {
	auth    *fakeAuth
	dialer  *fakeDialer
	sched   *fakeScheduler
	handler *recordingHandler
	mgr     *Manager

	mu         sync.Mutex
	subscribed [][]string
	exhausted  []error
	states     []State
}

func newHarness(cfg Config, ids []string, conns ...*fakeConn) *harness {
	h := &harness{
		auth:    &fakeAuth{url: "wss://feed.test/stream"},
		dialer:  &fakeDialer{conns: conns},
		sched:   &fakeScheduler{},
		handler: &recordingHandler{},
	}
	h.mgr = NewManager(cfg, Deps{
		Authorizer:  h.auth,
		Dialer:      h.dialer,
		Scheduler:   h.sched,
		Handler:     h.handler,
		Identifiers: func() []string { return ids },
		OnSubscribed: func(_ context.Context, got []string) error {
			h.mu.Lock()
			h.subscribed = append(h.subscribed, got)
			h.mu.Unlock()
			return nil
		},
	})
	h.mgr.OnExhausted = func(_ int, err error) {
		h.mu.Lock()
		h.exhausted = append(h.exhausted, err)
		h.mu.Unlock()
	}
	h.mgr.OnStateChange = func(_, to State) {
		h.mu.Lock()
		h.states = append(h.states, to)
		h.mu.Unlock()
	}
	return h
}

func defaultCfg() Config {
	return Config{ConnectTimeout: time.Second, MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

func TestConnect_SubscribesOnConnect(t *testing.T) {
	conn := newFakeConn()
	ids := []string{"NSE_INDEX|Nifty 50", "NSE_FO|1001"}
	h := newHarness(defaultCfg(), ids, conn)

	if err := h.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer h.mgr.Shutdown()

	if s := h.mgr.State(); s.Phase != Connected {
		t.Fatalf("expected connected, got %v", s)
	}
	if h.dialer.urls[0] != "wss://feed.test/stream" {
		t.Errorf("dialed %v, want the authorized url", h.dialer.urls)
	}

	writes := conn.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected one subscribe frame, got %d", len(writes))
	}
	if writes[0].typ != websocket.BinaryMessage {
		t.Errorf("subscribe frame should be binary, got type %d", writes[0].typ)
	}
	var req struct {
		GUID   string `json:"guid"`
		Method string `json:"method"`
		Data   struct {
			Mode           string   `json:"mode"`
			InstrumentKeys []string `json:"instrumentKeys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(writes[0].data, &req); err != nil {
		t.Fatalf("decode subscribe frame: %v", err)
	}
	if _, err := uuid.Parse(req.GUID); err != nil {
		t.Errorf("guid %q is not a uuid: %v", req.GUID, err)
	}
	if req.Method != "sub" || req.Data.Mode != "full" || len(req.Data.InstrumentKeys) != 2 {
		t.Errorf("unexpected subscribe request: %+v", req)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribed) != 1 || len(h.subscribed[0]) != 2 {
		t.Errorf("OnSubscribed should see the batch, got %v", h.subscribed)
	}
	want := []Phase{Authorizing, Connected}
	for i, p := range want {
		if i >= len(h.states) || h.states[i].Phase != p {
			t.Fatalf("state sequence %v, want %v", h.states, want)
		}
	}
}

func TestSubscribe_UniqueGUIDs(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(defaultCfg(), nil, conn)
	if err := h.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.mgr.Shutdown()

	for i := 0; i < 2; i++ {
		if err := h.mgr.Subscribe(context.Background(), []string{"NSE_FO|1"}); err != nil {
			t.Fatal(err)
		}
	}
	writes := conn.Writes()
	if len(writes) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(writes))
	}
	var a, b struct {
		GUID string `json:"guid"`
	}
	_ = json.Unmarshal(writes[0].data, &a)
	_ = json.Unmarshal(writes[1].data, &b)
	if a.GUID == "" || a.GUID == b.GUID {
		t.Errorf("guids should be unique: %q %q", a.GUID, b.GUID)
	}
}

func TestSubscribe_EmptyAndNotConnected(t *testing.T) {
	h := newHarness(defaultCfg(), nil)
	if err := h.mgr.Subscribe(context.Background(), nil); err != nil {
		t.Errorf("empty subscribe should be a no-op, got %v", err)
	}
	if err := h.mgr.Subscribe(context.Background(), []string{"NSE_FO|1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnect_LinearThenExhausted(t *testing.T) {
	authErr := &AuthorizationError{StatusCode: 401, Err: errors.New("invalid token")}
	h := newHarness(defaultCfg(), nil)
	h.auth.errs = []error{authErr, authErr, authErr, authErr}

	err := h.mgr.Connect(context.Background())
	var ae *AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		s := h.mgr.State()
		if s.Phase != Reconnecting || s.Attempt != attempt {
			t.Fatalf("after failure %d: state %v", attempt, s)
		}
		if got, want := h.sched.delays[attempt-1], time.Duration(attempt)*5*time.Second; got != want {
			t.Errorf("delay %d = %v, want %v", attempt, got, want)
		}
		h.sched.fireLast(t)
	}

	if s := h.mgr.State(); s.Phase != Exhausted {
		t.Fatalf("expected exhausted, got %v", s)
	}
	if h.sched.count() != 3 {
		t.Errorf("expected exactly 3 reconnects scheduled, got %d", h.sched.count())
	}
	if h.auth.calls != 4 {
		t.Errorf("expected 4 authorize calls, got %d", h.auth.calls)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.exhausted) != 1 || !errors.Is(h.exhausted[0], ErrExhausted) {
		t.Errorf("OnExhausted should fire once with ErrExhausted, got %v", h.exhausted)
	}
}

func TestReconnect_CounterResetsOnSuccess(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	// Dial 1 fails, dial 2 succeeds, dial 3 succeeds.
	h := newHarness(defaultCfg(), []string{"NSE_FO|1"}, nil, first, second)

	if err := h.mgr.Connect(context.Background()); err == nil {
		t.Fatal("expected first dial to fail")
	}
	if s := h.mgr.State(); s.Attempt != 1 {
		t.Fatalf("expected reconnecting(1), got %v", s)
	}
	h.sched.fireLast(t)
	if s := h.mgr.State(); s.Phase != Connected {
		t.Fatalf("expected connected after reconnect, got %v", s)
	}

	// Broker drops the connection.
	first.Close()
	waitFor(t, "reconnect after drop", func() bool { return h.sched.count() == 2 })

	if s := h.mgr.State(); s.Phase != Reconnecting || s.Attempt != 1 {
		t.Fatalf("counter should restart after a successful connect, got %v", s)
	}
	if d := h.sched.delays[1]; d != 5*time.Second {
		t.Errorf("delay after reset = %v, want 5s", d)
	}

	h.sched.fireLast(t)
	if s := h.mgr.State(); s.Phase != Connected {
		t.Fatalf("expected connected, got %v", s)
	}
	if len(second.Writes()) != 1 {
		t.Error("reconnect should resubscribe")
	}
	h.mgr.Shutdown()
}

func TestConnect_Timeout(t *testing.T) {
	cfg := defaultCfg()
	cfg.ConnectTimeout = 30 * time.Millisecond
	h := newHarness(cfg, nil, newFakeConn())
	release := make(chan struct{})
	h.dialer.block = release
	defer close(release)

	start := time.Now()
	err := h.mgr.Connect(context.Background())
	var te *ConnectionTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected ConnectionTimeoutError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("connect should fail near the timeout, took %v", time.Since(start))
	}
	if s := h.mgr.State(); s.Phase != Reconnecting {
		t.Errorf("timeout should take the reconnect path, got %v", s)
	}
}

func TestConnect_MissingCredentialIsTerminal(t *testing.T) {
	h := newHarness(defaultCfg(), nil)
	h.mgr.deps.Authorizer = NewAuthorizer("http://127.0.0.1:0/never", "")

	err := h.mgr.Connect(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if s := h.mgr.State(); s.Phase != Exhausted {
		t.Errorf("expected exhausted, got %v", s)
	}
	if h.sched.count() != 0 {
		t.Error("no reconnect should be scheduled without a credential")
	}
	if len(h.dialer.urls) != 0 {
		t.Error("must not dial without a credential")
	}
}

func TestOnMessage_InOrderAndIsolated(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(defaultCfg(), nil, conn)
	h.handler.fail = func(b []byte) bool { return string(b) == "bad" }
	if err := h.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.mgr.Shutdown()

	for _, f := range []string{"one", "bad", "two", "three"} {
		conn.in <- inbound{websocket.BinaryMessage, []byte(f)}
	}
	conn.in <- inbound{websocket.TextMessage, []byte(`{"status":"ok"}`)}
	waitFor(t, "frames", func() bool { return h.handler.count() == 4 })

	h.handler.mu.Lock()
	got := []string{string(h.handler.frames[0]), string(h.handler.frames[1]), string(h.handler.frames[2]), string(h.handler.frames[3])}
	h.handler.mu.Unlock()
	want := []string{"one", "bad", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got[i], want[i])
		}
	}
	if s := h.mgr.State(); s.Phase != Connected {
		t.Errorf("a rejected frame must not end the session, state %v", s)
	}
}

func TestShutdown_AnyState(t *testing.T) {
	// Disconnected.
	h := newHarness(defaultCfg(), nil)
	h.mgr.Shutdown()
	if s := h.mgr.State(); s.Phase != Disconnected {
		t.Fatalf("expected disconnected, got %v", s)
	}

	// Reconnecting: the pending reconnect is cancelled.
	h = newHarness(defaultCfg(), nil)
	h.auth.errs = []error{errors.New("boom")}
	_ = h.mgr.Connect(context.Background())
	h.mgr.Shutdown()
	if !h.sched.timers[0].stopped {
		t.Error("shutdown should stop the pending reconnect")
	}
	h.sched.fns[0]() // a timer that already fired is ignored too
	if s := h.mgr.State(); s.Phase != Disconnected {
		t.Errorf("expected disconnected after shutdown, got %v", s)
	}

	// Connected: the socket is closed with a close frame and no reconnect follows.
	conn := newFakeConn()
	h = newHarness(defaultCfg(), nil, conn)
	if err := h.mgr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mgr.Shutdown()
	if !conn.isClosed() {
		t.Error("connection should be closed")
	}
	writes := conn.Writes()
	if len(writes) == 0 || writes[len(writes)-1].typ != websocket.CloseMessage {
		t.Error("expected a close frame")
	}
	time.Sleep(20 * time.Millisecond)
	if h.sched.count() != 0 {
		t.Error("shutdown must not schedule a reconnect")
	}
	h.mgr.Shutdown()
}

func TestLinearBackOff(t *testing.T) {
	b := &LinearBackOff{Base: 5 * time.Second, MaxAttempts: 2}
	if d := b.NextBackOff(); d != 5*time.Second {
		t.Errorf("first = %v", d)
	}
	if d := b.NextBackOff(); d != 10*time.Second {
		t.Errorf("second = %v", d)
	}
	if d := b.NextBackOff(); d >= 0 {
		t.Errorf("third should stop, got %v", d)
	}
	b.Reset()
	if b.Attempt() != 0 || b.NextBackOff() != 5*time.Second {
		t.Error("reset should restart the sequence")
	}
}

func TestStateString(t *testing.T) {
	if s := (State{Phase: Reconnecting, Attempt: 2}).String(); s != "reconnecting(2)" {
		t.Errorf("got %q", s)
	}
	if s := (State{Phase: Exhausted}).String(); s != "exhausted" {
		t.Errorf("got %q", s)
	}
}
