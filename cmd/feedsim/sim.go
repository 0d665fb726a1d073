package main

import (
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"derivfeed/internal/marketdata/feedproto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// simulator serves the authorize endpoint and a protobuf feed per connection.
type simulator struct {
	interval time.Duration
	log      *slog.Logger
}

type authorizeReply struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorizedRedirectUri"`
	} `json:"data"`
}

type subscribeMsg struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

func (s *simulator) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/feed/market-data-feed/authorize", s.authorize)
	mux.HandleFunc("/feed", s.feed)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})
	return mux
}

func (s *simulator) authorize(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, `{"status":"error","errors":[{"message":"missing bearer token"}]}`, http.StatusUnauthorized)
		return
	}
	var reply authorizeReply
	reply.Status = "success"
	reply.Data.AuthorizedRedirectURI = "ws://" + r.Host + "/feed"
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply)
}

// session is one client's simulated instrument state.
type session struct {
	mu     sync.Mutex
	prices map[string]float64
	oi     map[string]float64
	rng    *rand.Rand
	frames int
}

func newSession() *session {
	return &session{
		prices: make(map[string]float64),
		oi:     make(map[string]float64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *session) subscribe(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.prices[k]; ok {
			continue
		}
		s.prices[k] = startPrice(k)
		s.oi[k] = float64(50_000 + s.rng.Intn(200_000))
	}
}

func (s *simulator) feed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.log.Info("client connected", "remote", r.RemoteAddr)

	sess := newSession()
	done := make(chan struct{})
	var writeMu sync.Mutex
	write := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}

	if err := write(feedproto.Encode(marketInfoFrame(time.Now()))); err != nil {
		return
	}

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg subscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Warn("bad control message", "error", err)
				continue
			}
			if msg.Method == "sub" {
				sess.subscribe(msg.Data.InstrumentKeys)
				s.log.Info("subscribed", "guid", msg.GUID, "instruments", len(msg.Data.InstrumentKeys))
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.log.Info("client disconnected", "remote", r.RemoteAddr)
			return
		case <-ticker.C:
			resp := sess.next(time.Now())
			if resp == nil {
				continue
			}
			if err := write(feedproto.Encode(resp)); err != nil {
				return
			}
		}
	}
}

// next advances every subscribed instrument one step. The first frame is an
// initial feed of full payloads; later frames alternate full and LTPC-only.
func (s *session) next(now time.Time) *feedproto.FeedResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prices) == 0 {
		return nil
	}

	typ := feedproto.LiveFeed
	if s.frames == 0 {
		typ = feedproto.InitialFeed
	}
	ltpcOnly := s.frames > 0 && s.frames%2 == 0
	s.frames++

	ms := now.UnixMilli()
	feeds := make(map[string]feedproto.Feed, len(s.prices))
	for k, p := range s.prices {
		p = walkPrice(s.rng, p)
		s.prices[k] = p
		ltpc := feedproto.LTPC{LTP: round2(p), LTT: ms, LTQ: int64(s.rng.Intn(100)*25 + 25), CP: round2(startPrice(k))}

		switch {
		case ltpcOnly:
			feeds[k] = &feedproto.LTPCFeed{LTPC: ltpc}
		case isIndex(k):
			feeds[k] = &feedproto.IndexFullFeed{LTPC: ltpc, OHLC: candles(ltpc, ms)}
		default:
			s.oi[k] += float64(s.rng.Intn(2001) - 1000)
			spread := round2(p * 0.0005)
			feeds[k] = &feedproto.MarketFullFeed{
				LTPC: ltpc,
				Depth: []feedproto.Quote{{
					BidQty: 75, BidPrice: round2(p - spread),
					AskQty: 50, AskPrice: round2(p + spread),
				}},
				Greeks: &feedproto.OptionGreeks{Delta: 0.5, Theta: -12.4, Gamma: 0.0011, Vega: 9.8, Rho: 1.2},
				OHLC:   candles(ltpc, ms),
				ATP:    round2(p),
				VTT:    int64(s.frames) * 1000,
				OI:     s.oi[k],
				IV:     0.14,
				TBQ:    150_000,
				TSQ:    140_000,
			}
		}
	}
	return &feedproto.FeedResponse{Type: typ, Feeds: feeds, CurrentTS: ms}
}

func marketInfoFrame(now time.Time) *feedproto.FeedResponse {
	return &feedproto.FeedResponse{
		Type:      feedproto.MarketInfo,
		CurrentTS: now.UnixMilli(),
		MarketInfo: map[string]feedproto.MarketStatus{
			"NSE_FO":    feedproto.NormalOpen,
			"NSE_INDEX": feedproto.NormalOpen,
			"BSE_FO":    feedproto.NormalOpen,
		},
	}
}

func candles(ltpc feedproto.LTPC, ms int64) []feedproto.OHLC {
	return []feedproto.OHLC{
		{Interval: "1d", Open: ltpc.CP, High: max(ltpc.CP, ltpc.LTP), Low: min(ltpc.CP, ltpc.LTP), Close: ltpc.LTP, Volume: ltpc.LTQ, TS: ms},
		{Interval: "I1", Open: ltpc.LTP, High: ltpc.LTP, Low: ltpc.LTP, Close: ltpc.LTP, Volume: ltpc.LTQ, TS: ms - ms%60_000},
	}
}

func isIndex(key string) bool {
	return strings.HasPrefix(key, "NSE_INDEX|") || strings.HasPrefix(key, "BSE_INDEX|")
}

// startPrice seeds a plausible level from the identifier.
func startPrice(key string) float64 {
	if isIndex(key) {
		switch {
		case strings.Contains(key, "Bank"):
			return 51_200
		case strings.Contains(key, "Fin"):
			return 23_400
		case strings.Contains(key, "Midcap"):
			return 12_600
		case strings.Contains(key, "SENSEX"):
			return 81_500
		}
		return 24_800
	}
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return float64(50 + h%400)
}

// walkPrice applies a random step of up to 0.1% either way.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	p := price * (1 + pct)
	if p < 0.05 {
		p = 0.05
	}
	return p
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
