package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/model"
)

// TickHistory serves stored ticks for /api/ticks.
type TickHistory interface {
	TicksBetween(ctx context.Context, identifier string, from, to time.Time) ([]model.NormalizedTick, error)
}

// StatusHistory serves stored segment status transitions for /api/market-status.
type StatusHistory interface {
	MarketStatusSince(ctx context.Context, since time.Time) ([]model.MarketStatus, error)
}

// RecentEvents serves cached push payloads for /api/recent.
type RecentEvents interface {
	Latest(ctx context.Context, channel string) ([]byte, error)
	Recent(ctx context.Context, channel string, n int64) ([][]byte, error)
}

// Sources are the optional backends of the read API. Nil fields leave their
// route unmounted.
type Sources struct {
	Ticks  TickHistory
	Status StatusHistory
	Recent RecentEvents
}

const (
	defaultRecent = 50
	maxRecent     = 500
)

// Server is the push gateway's HTTP server.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer mounts the gateway routes, /health, and the read API routes
// whose source is set.
func NewServer(addr string, h *Hub, src Sources) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, h)
	if src.Ticks != nil {
		RegisterHistory(mux, src.Ticks)
	}
	if src.Status != nil {
		RegisterStatusHistory(mux, src.Status)
	}
	if src.Recent != nil {
		RegisterRecent(mux, src.Recent)
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": h.ClientCount(),
		})
	})
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		log:  h.log,
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("gateway listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("gateway server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// RegisterHistory mounts GET /api/ticks?identifier=..&from=..&to=.. where
// from and to are epoch milliseconds and the range is half open.
func RegisterHistory(mux *http.ServeMux, history TickHistory) {
	mux.HandleFunc("/api/ticks", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		id := q.Get("identifier")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if id == "" || err1 != nil || err2 != nil || from > to {
			http.Error(w, "identifier, from and to are required", http.StatusBadRequest)
			return
		}
		ticks, err := history.TicksBetween(r.Context(), id, time.UnixMilli(from), time.UnixMilli(to))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if ticks == nil {
			ticks = []model.NormalizedTick{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"identifier": id,
			"ticks":      ticks,
		})
	})
}

// RegisterStatusHistory mounts GET /api/market-status?since=.. (epoch ms,
// default the last 24 hours).
func RegisterStatusHistory(mux *http.ServeMux, history StatusHistory) {
	mux.HandleFunc("/api/market-status", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		since := time.Now().Add(-24 * time.Hour)
		if v := r.URL.Query().Get("since"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "since must be epoch milliseconds", http.StatusBadRequest)
				return
			}
			since = time.UnixMilli(ms)
		}
		statuses, err := history.MarketStatusSince(r.Context(), since)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if statuses == nil {
			statuses = []model.MarketStatus{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"statuses": statuses})
	})
}

// RegisterRecent mounts GET /api/recent?channel=..&n=.. returning the cached
// latest payload and up to n stream payloads, oldest first.
func RegisterRecent(mux *http.ServeMux, src RecentEvents) {
	mux.HandleFunc("/api/recent", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		ch := q.Get("channel")
		if !model.ValidChannel(ch) {
			http.Error(w, "unknown channel", http.StatusBadRequest)
			return
		}
		n := int64(defaultRecent)
		if v := q.Get("n"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil || parsed <= 0 {
				http.Error(w, "n must be a positive integer", http.StatusBadRequest)
				return
			}
			n = min(parsed, maxRecent)
		}

		latest, err := src.Latest(r.Context(), ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		payloads, err := src.Recent(r.Context(), ch, n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		events := make([]json.RawMessage, len(payloads))
		for i, p := range payloads {
			events[i] = p
		}
		var latestRaw json.RawMessage
		if latest != nil {
			latestRaw = latest
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"channel": ch,
			"latest":  latestRaw,
			"events":  events,
		})
	})
}
