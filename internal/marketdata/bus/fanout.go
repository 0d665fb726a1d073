// Package bus is the fan-out sink: it persists normalized ticks and turns them
// into per-symbol push events delivered to every attached publisher.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"derivfeed/internal/model"
)

// Event is one push message on a named channel.
type Event struct {
	Channel string
	Payload []byte
}

type subscriber struct {
	name string
	pub  model.Publisher
	ch   chan Event
}

// FanOut delivers events to N publishers, each drained by its own goroutine.
// If a publisher's queue is full the event is dropped for that publisher so a
// slow consumer cannot block the frame loop.
type FanOut struct {
	mu      sync.RWMutex
	subs    []*subscriber
	bufSize int

	// OnDrop is called when an event is dropped for a publisher.
	OnDrop func(name string)
	// OnError is called when a publisher fails to deliver an event.
	OnError func(name string, err error)
}

// NewFanOut creates a FanOut with the given per-publisher queue size.
func NewFanOut(bufferSize int) *FanOut {
	return &FanOut{bufSize: bufferSize}
}

// Attach registers a publisher. Attach before Run.
func (f *FanOut) Attach(name string, pub model.Publisher) {
	f.mu.Lock()
	f.subs = append(f.subs, &subscriber{name: name, pub: pub, ch: make(chan Event, f.bufSize)})
	f.mu.Unlock()
}

// Broadcast queues ev on every publisher without blocking.
func (f *FanOut) Broadcast(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		select {
		case s.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(s.name)
			} else {
				slog.Warn("publisher queue full, dropping event", "component", "bus", "publisher", s.name, "channel", ev.Channel)
			}
		}
	}
}

// Run drains every publisher queue until ctx is cancelled.
func (f *FanOut) Run(ctx context.Context) {
	f.mu.RLock()
	subs := append([]*subscriber(nil), f.subs...)
	f.mu.RUnlock()

	var wg conc.WaitGroup
	for _, s := range subs {
		s := s
		wg.Go(func() { f.drain(ctx, s) })
	}
	wg.Wait()
}

func (f *FanOut) drain(ctx context.Context, s *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.ch:
			if err := s.pub.Publish(ctx, ev.Channel, ev.Payload); err != nil && f.OnError != nil {
				f.OnError(s.name, err)
			}
		}
	}
}

// ChannelStat is a publisher queue's fill level.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the queue fill level of each publisher.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
