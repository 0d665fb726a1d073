package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/logger"
	"derivfeed/internal/marketdata/normalize"
	"derivfeed/internal/model"
)

// TickPayload is the body of a tick push event.
type TickPayload struct {
	Symbol    string                 `json:"symbol"`
	Ticks     []model.NormalizedTick `json:"ticks"`
	Timestamp time.Time              `json:"timestamp"`
}

// StatusPayload is the body of a market-status push event.
type StatusPayload struct {
	Statuses  []model.MarketStatus `json:"statuses"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatsPayload is the body of a stats push event.
type StatsPayload struct {
	Stats     normalize.Snapshot `json:"stats"`
	Timestamp time.Time          `json:"timestamp"`
}

// Sink implements normalize.Sink on top of a TickStore and a FanOut.
type Sink struct {
	store model.TickStore
	out   *FanOut
	now   func() time.Time
	log   *slog.Logger
}

// NewSink creates a sink. store may be nil when nothing is persisted.
func NewSink(store model.TickStore, out *FanOut, log *slog.Logger) *Sink {
	return &Sink{store: store, out: out, now: time.Now, log: logger.Component(log, "bus")}
}

var _ normalize.Sink = (*Sink)(nil)

// Ingest writes ticks in one batch. Duplicates are reported in the result, not
// as an error.
func (s *Sink) Ingest(ctx context.Context, ticks []model.NormalizedTick) (model.SaveResult, error) {
	if len(ticks) == 0 {
		return model.SaveResult{}, nil
	}
	if s.store == nil {
		return model.SaveResult{Inserted: len(ticks)}, nil
	}
	return s.store.SaveTicks(ctx, ticks)
}

// Publish groups ticks by resolved symbol and emits, per symbol, one event on
// market:{symbol} plus the narrower options, options:{expiry}, futures and oi
// channels that have members. Ticks with no resolved symbol are not pushed.
func (s *Sink) Publish(ctx context.Context, ticks []model.NormalizedTick) error {
	now := s.now()
	for _, g := range groupBySymbol(ticks) {
		if err := s.emit(model.MarketChannel(g.symbol), TickPayload{g.symbol, g.all, now}); err != nil {
			return err
		}
		if len(g.options) > 0 {
			if err := s.emit(model.OptionsChannel(g.symbol), TickPayload{g.symbol, g.options, now}); err != nil {
				return err
			}
			for _, exp := range g.expiryOrder {
				ch := model.OptionsExpiryChannel(g.symbol, exp)
				if err := s.emit(ch, TickPayload{g.symbol, g.byExpiry[model.ExpiryKey(exp)], now}); err != nil {
					return err
				}
			}
		}
		if len(g.futures) > 0 {
			if err := s.emit(model.FuturesChannel(g.symbol), TickPayload{g.symbol, g.futures, now}); err != nil {
				return err
			}
		}
		if len(g.oi) > 0 {
			if err := s.emit(model.OIChannel(g.symbol), TickPayload{g.symbol, g.oi, now}); err != nil {
				return err
			}
		}
	}
	return nil
}

// PublishStatus persists a batch of segment status changes and emits one event.
func (s *Sink) PublishStatus(ctx context.Context, statuses []model.MarketStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	if err := s.emit(model.StatusChannel, StatusPayload{statuses, s.now()}); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveMarketStatus(ctx, statuses); err != nil {
			return fmt.Errorf("save market status: %w", err)
		}
	}
	s.log.Info("market status", "segments", len(statuses))
	return nil
}

// PublishStats emits the aggregate statistics event.
func (s *Sink) PublishStats(ctx context.Context, snap normalize.Snapshot) error {
	return s.emit(model.StatsChannel, StatsPayload{snap, s.now()})
}

func (s *Sink) emit(channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	s.out.Broadcast(Event{Channel: channel, Payload: b})
	return nil
}

type symbolGroup struct {
	symbol      string
	all         []model.NormalizedTick
	options     []model.NormalizedTick
	futures     []model.NormalizedTick
	oi          []model.NormalizedTick
	byExpiry    map[string][]model.NormalizedTick
	expiryOrder []time.Time
}

// groupBySymbol keeps first-seen symbol order and, within a symbol, tick order.
func groupBySymbol(ticks []model.NormalizedTick) []*symbolGroup {
	var order []*symbolGroup
	bySym := make(map[string]*symbolGroup)
	for _, t := range ticks {
		if t.Symbol == "" {
			continue
		}
		g, ok := bySym[t.Symbol]
		if !ok {
			g = &symbolGroup{symbol: t.Symbol, byExpiry: make(map[string][]model.NormalizedTick)}
			bySym[t.Symbol] = g
			order = append(order, g)
		}
		g.all = append(g.all, t)
		switch {
		case t.Kind.IsOption():
			g.options = append(g.options, t)
			if t.Expiry != nil {
				key := model.ExpiryKey(*t.Expiry)
				if _, seen := g.byExpiry[key]; !seen {
					g.expiryOrder = append(g.expiryOrder, *t.Expiry)
				}
				g.byExpiry[key] = append(g.byExpiry[key], t)
			}
		case t.Kind == model.KindFuture:
			g.futures = append(g.futures, t)
		}
		if t.OpenInterest != nil {
			g.oi = append(g.oi, t)
		}
	}
	for _, g := range order {
		sort.Slice(g.expiryOrder, func(i, j int) bool { return g.expiryOrder[i].Before(g.expiryOrder[j]) })
	}
	return order
}
