package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// Reader reads what Publisher writes. It backs the gateway's /api/recent.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps an existing client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// Latest returns the most recent payload on channel, or nil if none is cached.
func (r *Reader) Latest(ctx context.Context, channel string) ([]byte, error) {
	b, err := r.client.Get(ctx, LatestPrefix+channel).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", channel, err)
	}
	return b, nil
}

// Recent returns up to n payloads from the channel's stream, oldest first.
func (r *Reader) Recent(ctx context.Context, channel string, n int64) ([][]byte, error) {
	msgs, err := r.client.XRevRangeN(ctx, StreamPrefix+channel, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", channel, err)
	}
	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, ok := msgs[i].Values["data"].(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}
