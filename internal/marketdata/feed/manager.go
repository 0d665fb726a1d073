// Package feed maintains the broker's market data stream: authorization,
// connection, subscription and bounded reconnection.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"derivfeed/internal/logger"
)

const (
	// PingInterval is how often a keepalive ping is written.
	PingInterval = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// URLAuthorizer hands out the URL to stream from.
type URLAuthorizer interface {
	Authorize(ctx context.Context) (string, error)
}

// FrameHandler consumes binary frames in arrival order.
type FrameHandler interface {
	HandleFrame(ctx context.Context, frame []byte) error
}

// Config holds connection policy.
type Config struct {
	ConnectTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
}

// Deps are the manager's collaborators. Identifiers supplies the subscription
// list at each connect; OnSubscribed is told which identifiers were sent.
type Deps struct {
	Authorizer   URLAuthorizer
	Dialer       Dialer
	Scheduler    Scheduler
	Handler      FrameHandler
	Identifiers  func() []string
	OnSubscribed func(ctx context.Context, identifiers []string) error
	Logger       *slog.Logger
}

// Manager drives the Disconnected -> Authorizing -> Connected -> Reconnecting
// state machine. Reconnect n is scheduled BaseDelay*n after the n-th
// consecutive failure; the failure after MaxAttempts reconnects is terminal.
type Manager struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
	// OnExhausted is called once when the reconnect budget is spent.
	OnExhausted func(attempts int, lastErr error)

	mu      sync.Mutex
	ctx     context.Context
	state   State
	policy  *LinearBackOff
	conn    Conn
	session uint64
	timer   Timer
	stopped bool

	writeMu sync.Mutex
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if deps.Scheduler == nil {
		deps.Scheduler = RealScheduler{}
	}
	if deps.Dialer == nil {
		deps.Dialer = WSDialer{}
	}
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		log:    logger.Component(deps.Logger, "feed"),
		ctx:    context.Background(),
		policy: &LinearBackOff{Base: cfg.BaseDelay, MaxAttempts: cfg.MaxAttempts},
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect authorizes, dials and subscribes. A failure moves the manager to
// Reconnecting (or Exhausted) and is returned. ctx bounds the manager's
// lifetime: later reconnects and frame handling run under it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.ctx = ctx
	if m.state.Phase == Exhausted {
		m.policy.Reset()
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	return m.attempt()
}

func (m *Manager) attempt() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	if m.state.Phase == Connected {
		m.mu.Unlock()
		return nil
	}
	ctx := m.ctx
	change := m.setStateLocked(State{Phase: Authorizing})
	m.mu.Unlock()
	change()

	conn, err := m.open(ctx)
	if err != nil {
		m.log.Warn("connect failed", "error", err)
		m.failed(err)
		return err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.session++
	session := m.session
	m.conn = conn
	m.policy.Reset()
	change = m.setStateLocked(State{Phase: Connected})
	m.mu.Unlock()
	change()

	sctx := logger.WithTraceID(ctx, logger.GenerateTraceID("feed", time.Now()))
	m.log.Info("connected", logger.LogWithTrace(sctx)...)

	go m.readLoop(sctx, conn, session)
	go m.pingLoop(sctx, conn, session)

	if m.deps.Identifiers != nil {
		if err := m.Subscribe(sctx, m.deps.Identifiers()); err != nil {
			m.log.Error("subscribe on connect failed", append(logger.LogWithTrace(sctx), "error", err)...)
		}
	}
	return nil
}

// open authorizes and dials within ConnectTimeout.
func (m *Manager) open(ctx context.Context) (Conn, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	url, err := m.deps.Authorizer.Authorize(cctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ConnectionTimeoutError{URL: "authorize", Timeout: m.cfg.ConnectTimeout}
		}
		return nil, err
	}

	type result struct {
		conn Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.deps.Dialer.Dial(cctx, url)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, &ConnectionTimeoutError{URL: url, Timeout: m.cfg.ConnectTimeout}
			}
			return nil, fmt.Errorf("feed: dial: %w", r.err)
		}
		return r.conn, nil
	case <-cctx.Done():
		// The dial may still complete; close whatever it returns.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionTimeoutError{URL: url, Timeout: m.cfg.ConnectTimeout}
	}
}

// failed schedules the next reconnect or gives up.
func (m *Manager) failed(cause error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if errors.Is(cause, ErrMissingCredential) {
		change := m.setStateLocked(State{Phase: Exhausted})
		m.mu.Unlock()
		change()
		m.exhausted(0, cause)
		return
	}

	delay := m.policy.NextBackOff()
	attempt := m.policy.Attempt()
	if delay == backoff.Stop {
		change := m.setStateLocked(State{Phase: Exhausted})
		m.mu.Unlock()
		change()
		m.exhausted(attempt-1, cause)
		return
	}

	change := m.setStateLocked(State{Phase: Reconnecting, Attempt: attempt})
	m.timer = m.deps.Scheduler.AfterFunc(delay, func() { _ = m.attempt() })
	m.mu.Unlock()
	change()

	m.log.Info("reconnect scheduled", "attempt", attempt, "max", m.cfg.MaxAttempts, "delay", delay.String())
}

func (m *Manager) exhausted(attempts int, cause error) {
	m.log.Error("giving up on feed connection", "attempts", attempts, "error", cause)
	if m.OnExhausted != nil {
		m.OnExhausted(attempts, fmt.Errorf("%w: %v", ErrExhausted, cause))
	}
}

// onClose handles the end of a session's read loop.
func (m *Manager) onClose(ctx context.Context, session uint64, cause error) {
	m.mu.Lock()
	if session != m.session || m.stopped {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.session++
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.log.Warn("connection closed", append(logger.LogWithTrace(ctx), "error", cause)...)
	m.failed(cause)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, session uint64) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			m.onClose(ctx, session, err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			m.onMessage(ctx, data)
		case websocket.TextMessage:
			m.log.Debug("text frame", "body", truncate(string(data), 200))
		}
	}
}

// onMessage hands a frame to the handler. Handler errors are the handler's to
// count; they never end the session.
func (m *Manager) onMessage(ctx context.Context, frame []byte) {
	if m.deps.Handler == nil {
		return
	}
	if err := m.deps.Handler.HandleFrame(ctx, frame); err != nil {
		m.log.Debug("frame rejected", "error", err, "bytes", len(frame))
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn, session uint64) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.mu.Lock()
		current := m.session == session && !m.stopped
		m.mu.Unlock()
		if !current {
			return
		}
		m.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		m.writeMu.Unlock()
		if err != nil {
			m.log.Debug("ping failed", "error", err)
			return
		}
	}
}

type subscribeData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

type subscribeRequest struct {
	GUID   string        `json:"guid"`
	Method string        `json:"method"`
	Data   subscribeData `json:"data"`
}

// Subscribe sends one subscribe frame for the whole batch. It is a no-op for
// an empty batch and fails with ErrNotConnected outside Connected.
func (m *Manager) Subscribe(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		m.log.Info("subscribe skipped: empty instrument list")
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state.Phase == Connected && conn != nil
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	req := subscribeRequest{
		GUID:   uuid.NewString(),
		Method: "sub",
		Data:   subscribeData{Mode: "full", InstrumentKeys: identifiers},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("feed: write subscribe: %w", err)
	}
	m.log.Info("subscribe sent", append(logger.LogWithTrace(ctx), "guid", req.GUID, "instruments", len(identifiers))...)

	if m.deps.OnSubscribed != nil {
		if err := m.deps.OnSubscribed(ctx, identifiers); err != nil {
			m.log.Warn("mark subscribed failed", "error", err)
		}
	}
	return nil
}

// Shutdown closes the active connection, cancels any scheduled reconnect and
// moves to Disconnected. It is safe in every state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.session++
	change := m.setStateLocked(State{Phase: Disconnected})
	m.mu.Unlock()
	change()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
		m.log.Info("connection closed by shutdown")
	}
}

// setStateLocked records the transition and returns the notification to run
// once the lock is released.
func (m *Manager) setStateLocked(to State) func() {
	from := m.state
	m.state = to
	if from == to || m.OnStateChange == nil {
		return func() {}
	}
	fn := m.OnStateChange
	return func() { fn(from, to) }
}
