package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeAuth struct {
	mu    sync.Mutex
	url   string
	errs  []error // consumed in order; nil entries succeed
	calls int
}

func (a *fakeAuth) Authorize(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return a.url, nil
}

type inbound struct {
	typ  int
	data []byte
}

type written struct {
	typ  int
	data []byte
}

type fakeConn struct {
	in   chan inbound
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	writes []written
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.typ, f.data, nil
	case <-c.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, written{typ, append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Writes() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]written(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out conns in order; a nil conn means the dial fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	block chan struct{} // when set, Dial waits on it or ctx
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	block := d.block
	var c *fakeConn
	if len(d.conns) > 0 {
		c = d.conns[0]
		d.conns = d.conns[1:]
	}
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if c == nil {
		return nil, errors.New("connection refused")
	}
	return c, nil
}

type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

// fireLast runs the most recently scheduled callback unless it was stopped.
func (s *fakeScheduler) fireLast(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.fns) == 0 {
		s.mu.Unlock()
		t.Fatal("nothing scheduled")
	}
	f := s.fns[len(s.fns)-1]
	stopped := s.timers[len(s.timers)-1].stopped
	s.mu.Unlock()
	if !stopped {
		f()
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	frames [][]byte
	fail   func([]byte) bool
}

func (h *recordingHandler) HandleFrame(_ context.Context, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	if h.fail != nil && h.fail(frame) {
		return errors.New("bad frame")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
