// Package normalize flattens decoded feed messages into NormalizedTick records
// and drives each inbound frame through decode, normalization and the sink.
package normalize

import (
	"time"

	"derivfeed/internal/marketdata/feedproto"
	"derivfeed/internal/model"
)

// Lookup resolves instrument metadata for an identifier.
type Lookup interface {
	Lookup(identifier string) (model.SubscriptionEntry, bool)
}

// DailyInterval is the OHLC interval preferred for a tick's open/high/low/close.
const DailyInterval = "1d"

// Normalizer builds ticks from feed messages.
type Normalizer struct {
	lookup Lookup
	now    func() time.Time
}

// NewNormalizer returns a normalizer resolving metadata via lookup (may be nil).
func NewNormalizer(lookup Lookup, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{lookup: lookup, now: now}
}

// Normalize merges whichever blocks f carries into one record. Instrument
// fields stay empty when identifier is not in the subscription list.
func (n *Normalizer) Normalize(identifier string, f feedproto.Feed, serverTS time.Time) model.NormalizedTick {
	last := f.Last()
	t := model.NormalizedTick{
		Identifier: identifier,
		LTP:        last.LTP,
		LTQ:        last.LTQ,
		CP:         last.CP,
		DataType:   model.DataTick,
		ServerTS:   serverTS,
		IngestedAt: n.now(),
	}
	if last.LTT > 0 {
		t.LTT = time.UnixMilli(last.LTT).UTC()
	} else {
		t.LTT = serverTS
	}

	if n.lookup != nil {
		if e, ok := n.lookup.Lookup(identifier); ok {
			t.Symbol = e.Symbol
			t.Expiry = e.Expiry
			t.Strike = e.Strike
			t.Kind = e.Kind
		}
	}

	switch f := f.(type) {
	case *feedproto.MarketFullFeed:
		if len(f.Depth) > 0 {
			applyQuote(&t, f.Depth[0])
		}
		if f.Greeks != nil {
			applyGreeks(&t, *f.Greeks)
		}
		applyOHLC(&t, f.OHLC)
		t.ATP = ptr(f.ATP)
		t.VTT = ptr(f.VTT)
		t.OpenInterest = ptr(f.OI)
		t.IV = ptr(f.IV)
		t.TBQ = ptr(f.TBQ)
		t.TSQ = ptr(f.TSQ)
	case *feedproto.IndexFullFeed:
		applyOHLC(&t, f.OHLC)
	case *feedproto.FirstLevelGreeksFeed:
		applyQuote(&t, f.FirstDepth)
		applyGreeks(&t, f.Greeks)
		t.VTT = ptr(f.VTT)
		t.OpenInterest = ptr(f.OI)
		t.IV = ptr(f.IV)
	}
	return t
}

// Statuses converts a market info block into status records.
func Statuses(info map[string]feedproto.MarketStatus, ts time.Time) []model.MarketStatus {
	out := make([]model.MarketStatus, 0, len(info))
	for seg, st := range info {
		out = append(out, model.MarketStatus{Segment: seg, Status: st.String(), TS: ts})
	}
	return out
}

func applyQuote(t *model.NormalizedTick, q feedproto.Quote) {
	t.BidPrice = ptr(q.BidPrice)
	t.BidQty = ptr(q.BidQty)
	t.AskPrice = ptr(q.AskPrice)
	t.AskQty = ptr(q.AskQty)
}

func applyGreeks(t *model.NormalizedTick, g feedproto.OptionGreeks) {
	t.Delta = ptr(g.Delta)
	t.Theta = ptr(g.Theta)
	t.Gamma = ptr(g.Gamma)
	t.Vega = ptr(g.Vega)
	t.Rho = ptr(g.Rho)
}

// applyOHLC picks the daily candle when present, else the first one.
func applyOHLC(t *model.NormalizedTick, candles []feedproto.OHLC) {
	if len(candles) == 0 {
		return
	}
	c := candles[0]
	for _, cand := range candles {
		if cand.Interval == DailyInterval {
			c = cand
			break
		}
	}
	t.Open = ptr(c.Open)
	t.High = ptr(c.High)
	t.Low = ptr(c.Low)
	t.Close = ptr(c.Close)
	t.Volume = ptr(c.Volume)
}

func ptr[T any](v T) *T { return &v }
