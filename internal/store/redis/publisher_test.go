package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
)

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, cfg, nil), mr
}

func TestPublisher_WritesLatestStreamAndPubSub(t *testing.T) {
	p, mr := newTestPublisher(t, Config{})
	ctx := context.Background()
	r := NewReader(p.Client())

	sub := p.Client().Subscribe(ctx, PubPrefix+"market:NIFTY")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.Publish(ctx, "market:NIFTY", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Publish(ctx, "market:NIFTY", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := mr.Get("latest:market:NIFTY")
	if err != nil || got != `{"n":2}` {
		t.Fatalf("latest = %q, %v", got, err)
	}
	if ttl := mr.TTL("latest:market:NIFTY"); ttl != defaultLatestTTL {
		t.Errorf("ttl = %v, want %v", ttl, defaultLatestTTL)
	}

	latest, err := r.Latest(ctx, "market:NIFTY")
	if err != nil || string(latest) != `{"n":2}` {
		t.Errorf("Latest = %q, %v", latest, err)
	}
	recent, err := r.Recent(ctx, "market:NIFTY", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || string(recent[0]) != `{"n":1}` || string(recent[1]) != `{"n":2}` {
		t.Errorf("Recent = %q", recent)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(rctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Channel != "pub:market:NIFTY" || msg.Payload != `{"n":1}` {
		t.Errorf("message = %s %s", msg.Channel, msg.Payload)
	}
}

func TestReader_LatestMissing(t *testing.T) {
	p, _ := newTestPublisher(t, Config{})
	b, err := NewReader(p.Client()).Latest(context.Background(), "market:NONE")
	if err != nil || b != nil {
		t.Fatalf("Latest = %q, %v", b, err)
	}
}

func TestPublisher_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	p, mr := newTestPublisher(t, Config{MaxFailures: 2, ResetTimeout: time.Second})
	clk := &fakeClock{t: time.Date(2025, 6, 10, 4, 0, 0, 0, time.UTC)}
	p.cb.now = clk.now
	ctx := context.Background()

	flushed := make(chan int, 1)
	p.OnFlush = func(n int) { flushed <- n }

	mr.Close()
	for i := 0; i < 2; i++ {
		if err := p.Publish(ctx, "stats", []byte("x")); err == nil {
			t.Fatalf("publish %d to a stopped server succeeded", i)
		}
	}
	if p.Breaker().CurrentState() != StateOpen {
		t.Fatalf("breaker = %v, want open", p.Breaker().CurrentState())
	}

	if err := p.Publish(ctx, "market:NIFTY", []byte("buffered")); err != nil {
		t.Fatalf("publish while open: %v", err)
	}
	if p.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", p.PendingCount())
	}

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	clk.advance(2 * time.Second)
	if err := p.Publish(ctx, "stats", []byte("probe")); err != nil {
		t.Fatalf("probe: %v", err)
	}

	select {
	case n := <-flushed:
		if n != 1 {
			t.Errorf("flushed %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered events were not flushed")
	}
	if got, _ := mr.Get("latest:market:NIFTY"); got != "buffered" {
		t.Errorf("latest after flush = %q", got)
	}
}

func TestPublisher_PendingDropsOldest(t *testing.T) {
	p, _ := newTestPublisher(t, Config{MaxPending: 2})
	p.buffer("a", nil)
	p.buffer("b", nil)
	p.buffer("c", nil)
	if p.PendingCount() != 2 || p.pending[0].channel != "b" {
		t.Fatalf("pending = %+v", p.pending)
	}
}
