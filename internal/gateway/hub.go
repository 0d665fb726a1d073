// Package gateway pushes feed events to browser clients over WebSocket.
// Clients subscribe to named channels and receive {channel, data, ts, seq}
// envelopes; the latest envelope per channel is replayed on subscribe.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

const replayCapacity = 500

// Hub tracks connected clients and the per-channel latest/replay state.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seqs    map[string]int64
	replay  map[string]*ReplayBuffer

	now func() time.Time
	log *slog.Logger

	// OnClientCount is called with the client count after each connect or disconnect.
	OnClientCount func(n int)
	// OnLatency is called with the delay between an event's payload timestamp and its broadcast.
	OnLatency func(d time.Duration)
}

type latestEntry struct {
	Envelope []byte
	TS       time.Time
	Seq      int64
}

var _ model.Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string]latestEntry),
		seqs:    make(map[string]int64),
		replay:  make(map[string]*ReplayBuffer),
		now:     time.Now,
		log:     logger.Component(log, "gateway"),
	}
}

// Publish broadcasts payload on channel. It never blocks on slow clients.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	h.broadcast(channel, payload)
	return nil
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", n)
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
	return c
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", "clients", n)
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// Latest returns the latest envelope broadcast on channel.
func (h *Hub) Latest(channel string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[channel]
	return e.Envelope, ok
}

// Channels returns every channel that has been broadcast on with its current seq.
func (h *Hub) Channels() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int64, len(h.seqs))
	for k, v := range h.seqs {
		out[k] = v
	}
	return out
}

// ReplayRange returns buffered envelopes for channel with seq in [fromSeq, toSeq].
func (h *Hub) ReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ChannelSeq returns the current sequence number for channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seqs[channel]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
