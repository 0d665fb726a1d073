// Package redis mirrors push events into Redis so other processes can follow
// the feed: every event is PUBLISHed on pub:{channel}, cached under
// latest:{channel} and appended to the capped stream:{channel}.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

const (
	defaultLatestTTL  = 30 * time.Minute
	defaultStreamLen  = 1000
	defaultMaxPending = 10000
)

// Key prefixes.
const (
	PubPrefix    = "pub:"
	LatestPrefix = "latest:"
	StreamPrefix = "stream:"
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string
	Password string
	DB       int

	LatestTTL  time.Duration // TTL of latest:{channel}
	StreamLen  int64         // approximate MAXLEN of stream:{channel}
	MaxPending int           // events buffered while the breaker is open

	MaxFailures  int
	ResetTimeout time.Duration
}

func (c *Config) defaults() {
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.StreamLen <= 0 {
		c.StreamLen = defaultStreamLen
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
}

type pendingEvent struct {
	channel string
	payload []byte
}

// Publisher implements model.Publisher on Redis behind a circuit breaker.
// While the breaker is open events are buffered, dropping the oldest when
// full, and replayed once it closes.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	pending []pendingEvent

	// OnBuffer is called when an event is buffered.
	OnBuffer func()
	// OnFlush is called after buffered events are replayed.
	OnFlush func(count int)
	// OnBreakerChange is called on every breaker transition.
	OnBreakerChange func(from, to State)
}

var _ model.Publisher = (*Publisher)(nil)

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := NewWithClient(client, cfg, log)
	p.log.Info("connected", "addr", cfg.Addr)
	return p, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, cfg Config, log *slog.Logger) *Publisher {
	cfg.defaults()
	p := &Publisher{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		cfg:    cfg,
		log:    logger.Component(log, "redis"),
	}
	p.cb.OnStateChange = func(from, to State) {
		p.log.Warn("circuit breaker transition", "from", from.String(), "to", to.String())
		if p.OnBreakerChange != nil {
			p.OnBreakerChange(from, to)
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Client returns the underlying client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the publisher's circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Publish writes the event in one pipeline. An open breaker buffers the event
// and returns nil.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	err := p.cb.Execute(func() error { return p.write(ctx, channel, payload) })
	if errors.Is(err, ErrCircuitOpen) {
		p.buffer(channel, payload)
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (p *Publisher) write(ctx context.Context, channel string, payload []byte) error {
	data := string(payload)
	pipe := p.client.Pipeline()
	pipe.Set(ctx, LatestPrefix+channel, data, p.cfg.LatestTTL)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamPrefix + channel,
		MaxLen: p.cfg.StreamLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Publish(ctx, PubPrefix+channel, data)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Publisher) buffer(channel string, payload []byte) {
	p.mu.Lock()
	if len(p.pending) >= p.cfg.MaxPending {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, pendingEvent{channel: channel, payload: payload})
	p.mu.Unlock()

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events. Failures are logged and not re-buffered.
func (p *Publisher) flush() {
	p.mu.Lock()
	toFlush := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(toFlush) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flushed := 0
	for _, ev := range toFlush {
		if err := p.write(ctx, ev.channel, ev.payload); err != nil {
			p.log.Error("flush buffered event failed", "channel", ev.channel, "error", err)
			continue
		}
		flushed++
	}
	p.log.Info("flushed buffered events", "count", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered events.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
