// Package closedetector decides when a session's feed can be dropped after
// the market close. The closing prints arrive in the minutes after 15:30 IST;
// once no subscribed instrument's last traded price has moved for StableFor,
// the closing prices are considered captured.
package closedetector

import (
	"log/slog"
	"sync"
	"time"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

// Detector tracks last traded prices per identifier against a close time.
// It is safe for concurrent use: Observe runs on the frame path while
// Settled is polled by the session loop.
type Detector struct {
	// StableFor is how long prices must stay unchanged after the close.
	StableFor time.Duration
	// MaxGrace is the hard deadline after the close.
	MaxGrace time.Duration

	mu         sync.Mutex
	closeTime  time.Time
	last       map[string]float64
	lastChange time.Time
	log        *slog.Logger
}

// New creates a detector for closeTime with a 30s stability window and a
// 5 minute hard deadline.
func New(closeTime time.Time, log *slog.Logger) *Detector {
	return &Detector{
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
		closeTime: closeTime,
		last:      make(map[string]float64),
		log:       logger.Component(log, "closedetector"),
	}
}

// Reset starts tracking a new session closing at closeTime.
func (d *Detector) Reset(closeTime time.Time) {
	d.mu.Lock()
	d.closeTime = closeTime
	d.last = make(map[string]float64)
	d.lastChange = time.Time{}
	d.mu.Unlock()
}

// CloseTime returns the close the detector is tracking.
func (d *Detector) CloseTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeTime
}

// Deadline is the close plus MaxGrace.
func (d *Detector) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeTime.Add(d.MaxGrace)
}

// Observe records the ticks' prices at now.
func (d *Detector) Observe(ticks []model.NormalizedTick, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range ticks {
		prev, seen := d.last[t.Identifier]
		d.last[t.Identifier] = t.LTP
		if seen && prev == t.LTP {
			continue
		}
		if now.After(d.closeTime) {
			d.lastChange = now
		}
	}
}

// Settled reports whether the session can end at now: prices have been
// unchanged for StableFor since the close, or the hard deadline has passed.
func (d *Detector) Settled(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !now.After(d.closeTime) {
		return false
	}
	if !now.Before(d.closeTime.Add(d.MaxGrace)) {
		d.log.Info("hard deadline reached", "grace", d.MaxGrace.String(), "instruments", len(d.last))
		return true
	}
	since := d.lastChange
	if since.Before(d.closeTime) {
		since = d.closeTime
	}
	if now.Sub(since) >= d.StableFor {
		d.log.Info("closing prices captured", "stable_for", d.StableFor.String(), "instruments", len(d.last))
		return true
	}
	return false
}

// ClosingPrice returns the last observed price of identifier.
func (d *Detector) ClosingPrice(identifier string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.last[identifier]
	return p, ok
}
