package metrics

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func healthBody(t *testing.T, h *HealthStatus) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHealth_States(t *testing.T) {
	h := NewHealthStatus()

	code, resp := healthBody(t, h)
	if code != http.StatusServiceUnavailable || resp.Status != "degraded" {
		t.Errorf("initial = %d %q, want 503 degraded", code, resp.Status)
	}

	h.SetFeedState("connected", true)
	h.SetLastTickTime(time.Now().Add(-time.Second))
	code, resp = healthBody(t, h)
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("connected = %d %q, want 200 healthy", code, resp.Status)
	}
	if resp.FeedState != "connected" || resp.LastTickTime == "" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.RedisConnected != nil {
		t.Error("redis_connected should be omitted when redis is not enabled")
	}

	h.SetFeedState("reconnecting(1)", false)
	h.SetStoreOK(false)
	_, resp = healthBody(t, h)
	if resp.Status != "unhealthy" {
		t.Errorf("feed down + store down = %q, want unhealthy", resp.Status)
	}
}

func TestHealth_CheckRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	h := NewHealthStatus()
	h.SetFeedState("connected", true)
	h.CheckRedis(context.Background(), rdb)
	code, resp := healthBody(t, h)
	if code != http.StatusOK || resp.RedisConnected == nil || !*resp.RedisConnected {
		t.Fatalf("redis up: %d %+v", code, resp)
	}

	mr.Close()
	h.CheckRedis(context.Background(), rdb)
	code, resp = healthBody(t, h)
	if code != http.StatusServiceUnavailable || *resp.RedisConnected {
		t.Errorf("redis down: %d %+v", code, resp)
	}
}

func TestHealth_CheckDB(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHealthStatus()
	h.CheckDB(context.Background(), db)
	if !h.StoreOK {
		t.Error("StoreOK = false with an open db")
	}

	db.Close()
	h.CheckDB(context.Background(), db)
	if h.StoreOK {
		t.Error("StoreOK = true after close")
	}
}

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesTotal.Add(3)
	m.FanoutDropsTotal.WithLabelValues("redis").Inc()
	m.FeedState.Set(2)

	if got := testutil.ToFloat64(m.FramesTotal); got != 3 {
		t.Errorf("frames = %v", got)
	}
	if got := testutil.ToFloat64(m.FanoutDropsTotal.WithLabelValues("redis")); got != 1 {
		t.Errorf("drops = %v", got)
	}
	if got := testutil.ToFloat64(m.FeedState); got != 2 {
		t.Errorf("state = %v", got)
	}

	// Registering twice on the same registry must panic.
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.Add(7)

	h := NewHealthStatus()
	h.SetFeedState("connected", true)
	srv := NewServer(":0", reg, h, func() any {
		return map[string]int{"ticksProcessed": 7}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "feed_ticks_total 7") {
		t.Errorf("/metrics = %d, missing feed_ticks_total", code)
	}
	if code, body := get("/healthz"); code != http.StatusOK || !strings.Contains(body, `"healthy"`) {
		t.Errorf("/healthz = %d %s", code, body)
	}
	if code, body := get("/stats"); code != http.StatusOK || !strings.Contains(body, `"ticksProcessed":7`) {
		t.Errorf("/stats = %d %s", code, body)
	}
}

func TestServer_NoStats(t *testing.T) {
	srv := NewServer(":0", prometheus.NewRegistry(), NewHealthStatus(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/stats without func = %d, want 404", rec.Code)
	}
}
