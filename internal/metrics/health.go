package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool
	FeedState      string
	LastTickTime   time.Time
	RedisEnabled   bool
	RedisConnected bool
	StoreOK        bool

	RedisLatencyMs float64
	StoreLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "disconnected",
		StoreOK:   true,
		StartedAt: time.Now(),
	}
}

// SetFeedState records the connection manager's state name.
func (h *HealthStatus) SetFeedState(state string, connected bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDB pings the tick store and records latency + health.
func (h *HealthStatus) CheckDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb and db may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckDB(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

type healthResponse struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	FeedConnected  bool    `json:"feed_connected"`
	FeedState      string  `json:"feed_state"`
	LastTickTime   string  `json:"last_tick_time,omitempty"`
	TickAge        string  `json:"tick_age,omitempty"`
	RedisConnected *bool   `json:"redis_connected,omitempty"`
	RedisLatencyMs float64 `json:"redis_latency_ms,omitempty"`
	StoreOK        bool    `json:"store_ok"`
	StoreLatencyMs float64 `json:"store_latency_ms"`
	LastCheckAt    string  `json:"last_check_at,omitempty"`
}

// ServeHTTP handles the /healthz endpoint. The feed being down or storage
// failing is "degraded" (503); both at once is "unhealthy".
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	redisDown := h.RedisEnabled && !h.RedisConnected
	if !h.FeedConnected || !h.StoreOK || redisDown {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.FeedConnected && !h.StoreOK {
		overall = "unhealthy"
	}

	resp := healthResponse{
		Status:         overall,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:  h.FeedConnected,
		FeedState:      h.FeedState,
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		resp.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		resp.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if h.RedisEnabled {
		connected := h.RedisConnected
		resp.RedisConnected = &connected
		resp.RedisLatencyMs = h.RedisLatencyMs
	}
	if !h.LastCheckAt.IsZero() {
		resp.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(resp)
}
