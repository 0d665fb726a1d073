package gateway

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// buildEnvelope writes {"channel":...,"data":...,"ts":...,"seq":N} without a
// marshal round trip; data must already be JSON.
func buildEnvelope(channel string, data []byte, ts time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	if len(data) == 0 {
		buf = append(buf, "null"...)
	} else {
		buf = append(buf, data...)
	}
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// broadcast records the envelope as channel's latest and queues it on every
// subscribed client. Full client queues drop the envelope.
func (h *Hub) broadcast(channel string, data []byte) {
	now := h.now().UTC()
	if h.OnLatency != nil {
		if src := payloadTimestamp(data); !src.IsZero() && !now.Before(src) {
			h.OnLatency(now.Sub(src))
		}
	}

	h.mu.Lock()
	h.seqs[channel]++
	seq := h.seqs[channel]
	env := buildEnvelope(channel, data, now, seq)
	h.latest[channel] = latestEntry{Envelope: env, TS: now, Seq: seq}
	rb, ok := h.replay[channel]
	if !ok {
		rb = NewReplayBuffer(replayCapacity)
		h.replay[channel] = rb
	}
	h.mu.Unlock()
	rb.Push(seq, env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- env:
		default:
			h.log.Debug("client queue full, dropping envelope", "channel", channel)
		}
	}
}

// payloadTimestamp extracts a top-level "timestamp" or "ts" field.
func payloadTimestamp(data []byte) time.Time {
	var partial struct {
		Timestamp time.Time `json:"timestamp"`
		TS        time.Time `json:"ts"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return time.Time{}
	}
	if !partial.Timestamp.IsZero() {
		return partial.Timestamp
	}
	return partial.TS
}
