package gateway

import (
	"context"
	"strings"

	goredis "github.com/go-redis/redis/v8"
)

// RedisRelay rebroadcasts pub:{channel} messages written by another process's
// Redis publisher, so the gateway can run apart from the feed engine.
type RedisRelay struct {
	hub    *Hub
	client *goredis.Client
	prefix string
}

// NewRedisRelay relays PUBLISHes under prefix (e.g. "pub:") into hub.
func NewRedisRelay(hub *Hub, client *goredis.Client, prefix string) *RedisRelay {
	return &RedisRelay{hub: hub, client: client, prefix: prefix}
}

// Run pattern-subscribes to prefix* and blocks until ctx is cancelled.
// ready, if non-nil, is closed once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.hub.log.Info("relaying redis channels", "pattern", r.prefix+"*")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.hub.broadcast(strings.TrimPrefix(msg.Channel, r.prefix), []byte(msg.Payload))
		}
	}
}
