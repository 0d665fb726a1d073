package normalize

import (
	"sync/atomic"
	"time"
)

// Statistics are the pipeline's running counters. They are reset only by
// process restart.
type Statistics struct {
	messages    atomic.Int64
	ticks       atomic.Int64
	errors      atomic.Int64
	lastMessage atomic.Int64 // unix nanos
	start       time.Time
}

// NewStatistics starts the uptime clock at start.
func NewStatistics(start time.Time) *Statistics {
	return &Statistics{start: start}
}

// Snapshot is a point-in-time copy of Statistics, as pushed on the stats channel.
type Snapshot struct {
	MessagesReceived int64      `json:"messagesReceived"`
	TicksProcessed   int64      `json:"ticksProcessed"`
	Errors           int64      `json:"errors"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	StartTime        time.Time  `json:"startTime"`
	UptimeSeconds    int64      `json:"uptimeSeconds"`
}

// Snapshot copies the counters.
func (s *Statistics) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		MessagesReceived: s.messages.Load(),
		TicksProcessed:   s.ticks.Load(),
		Errors:           s.errors.Load(),
		StartTime:        s.start,
		UptimeSeconds:    int64(now.Sub(s.start).Seconds()),
	}
	if ns := s.lastMessage.Load(); ns != 0 {
		t := time.Unix(0, ns)
		snap.LastMessageAt = &t
	}
	return snap
}

func (s *Statistics) Messages() int64 { return s.messages.Load() }
func (s *Statistics) Ticks() int64    { return s.ticks.Load() }
func (s *Statistics) Errors() int64   { return s.errors.Load() }
