package gateway

import (
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// ServeWS upgrades the request and starts the client pumps. A comma separated
// ?channels= query subscribes on connect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	conn.EnableWriteCompression(true)
	c := h.register(conn)
	go c.writePump()
	if q := r.URL.Query().Get("channels"); q != "" {
		c.subscribe(strings.Split(q, ","))
	}
	go c.readPump()
}

// RegisterRoutes mounts the WebSocket endpoint and the REST helpers on mux.
func RegisterRoutes(mux *http.ServeMux, h *Hub) {
	mux.HandleFunc("/ws", h.ServeWS)

	// GET /api/latest?channel=market:NIFTY
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		ch := r.URL.Query().Get("channel")
		env, ok := h.Latest(ch)
		if !ok {
			http.Error(w, "no data for channel", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(env)
	})

	// GET /api/missed?channel=market:NIFTY&from=10&to=20
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		q := r.URL.Query()
		ch := q.Get("channel")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if ch == "" || err1 != nil || err2 != nil || from > to {
			http.Error(w, "channel, from and to are required", http.StatusBadRequest)
			return
		}
		envs := h.ReplayRange(ch, from, to)
		raw := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			raw[i] = e
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"channel":  ch,
			"current":  h.ChannelSeq(ch),
			"messages": raw,
		})
	})

	// GET /api/channels
	mux.HandleFunc("/api/channels", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"channels": h.Channels(),
			"clients":  h.ClientCount(),
		})
	})
}
