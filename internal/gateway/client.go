package gateway

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"derivfeed/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxReadBytes = 8192
	sendQueue    = 256
)

// Client is one WebSocket peer and its channel subscriptions.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]bool
}

// controlMsg is a client request.
type controlMsg struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Ping     int64    `json:"ping,omitempty"`
}

// controlReply is the server's answer to a control message.
type controlReply struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Message  string   `json:"message,omitempty"`
	Ping     int64    `json:"ping,omitempty"`
	ServerTS int64    `json:"server_ts,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendQueue),
		hub:  h,
		subs: make(map[string]bool),
	}
}

func (c *Client) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[channel]
}

// subscribe adds the valid channels, replies, then replays each new channel's
// latest envelope.
func (c *Client) subscribe(channels []string) {
	var accepted, rejected, added []string
	c.subMu.Lock()
	for _, ch := range channels {
		if !model.ValidChannel(ch) {
			rejected = append(rejected, ch)
			continue
		}
		accepted = append(accepted, ch)
		if !c.subs[ch] {
			c.subs[ch] = true
			added = append(added, ch)
		}
	}
	c.subMu.Unlock()

	c.reply(controlReply{Type: "subscribed", Channels: accepted, Rejected: rejected})
	for _, ch := range added {
		if env, ok := c.hub.Latest(ch); ok {
			c.trySend(env)
		}
	}
}

func (c *Client) unsubscribe(channels []string) {
	c.subMu.Lock()
	for _, ch := range channels {
		delete(c.subs, ch)
	}
	c.subMu.Unlock()
	c.reply(controlReply{Type: "unsubscribed", Channels: channels})
}

func (c *Client) reply(r controlReply) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(b)
}

// trySend queues msg unless the client is gone or its queue is full.
func (c *Client) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(controlReply{Type: "error", Message: "invalid message: " + err.Error()})
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.Channels)
		case "unsubscribe":
			c.unsubscribe(msg.Channels)
		case "ping":
			c.reply(controlReply{Type: "pong", Ping: msg.Ping, ServerTS: c.hub.now().UnixMilli()})
		default:
			c.reply(controlReply{Type: "error", Message: "unknown type " + msg.Type})
		}
	}
}
