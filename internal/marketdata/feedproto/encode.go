package feedproto

import (
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes resp in the same wire format Decode reads. Map keys are
// written in sorted order so output is deterministic. Zero scalars are omitted.
func Encode(resp *FeedResponse) []byte {
	var b []byte
	if resp.Type != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(resp.Type))
	}

	keys := make([]string, 0, len(resp.Feeds))
	for k := range resp.Feeds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendMessage(entry, 2, encodeFeed(resp.Feeds[k]))
		b = appendMessage(b, 2, entry)
	}

	b = appendVarint(b, 3, resp.CurrentTS)

	if resp.MarketInfo != nil {
		segs := make([]string, 0, len(resp.MarketInfo))
		for k := range resp.MarketInfo {
			segs = append(segs, k)
		}
		sort.Strings(segs)
		var info []byte
		for _, k := range segs {
			var entry []byte
			entry = appendString(entry, 1, k)
			entry = appendVarint(entry, 2, int64(resp.MarketInfo[k]))
			info = appendMessage(info, 1, entry)
		}
		b = appendMessage(b, 4, info)
	}
	return b
}

func encodeFeed(f Feed) []byte {
	var b []byte
	switch f := f.(type) {
	case *LTPCFeed:
		b = appendMessage(b, 1, encodeLTPC(f.LTPC))
	case *MarketFullFeed:
		var full []byte
		full = appendMessage(full, 1, encodeMarketFull(f))
		b = appendMessage(b, 2, full)
	case *IndexFullFeed:
		var idx []byte
		idx = appendMessage(idx, 1, encodeLTPC(f.LTPC))
		idx = appendMessage(idx, 2, encodeOHLCList(f.OHLC))
		var full []byte
		full = appendMessage(full, 2, idx)
		b = appendMessage(b, 2, full)
	case *FirstLevelGreeksFeed:
		var fl []byte
		fl = appendMessage(fl, 1, encodeLTPC(f.LTPC))
		fl = appendMessage(fl, 2, encodeQuote(f.FirstDepth))
		fl = appendMessage(fl, 3, encodeGreeks(f.Greeks))
		fl = appendVarint(fl, 4, f.VTT)
		fl = appendDouble(fl, 5, f.OI)
		fl = appendDouble(fl, 6, f.IV)
		b = appendMessage(b, 3, fl)
	}
	return b
}

func encodeMarketFull(f *MarketFullFeed) []byte {
	var b []byte
	b = appendMessage(b, 1, encodeLTPC(f.LTPC))
	if len(f.Depth) > 0 {
		var level []byte
		for _, q := range f.Depth {
			level = appendMessage(level, 1, encodeQuote(q))
		}
		b = appendMessage(b, 2, level)
	}
	if f.Greeks != nil {
		b = appendMessage(b, 3, encodeGreeks(*f.Greeks))
	}
	if len(f.OHLC) > 0 {
		b = appendMessage(b, 4, encodeOHLCList(f.OHLC))
	}
	b = appendDouble(b, 5, f.ATP)
	b = appendVarint(b, 6, f.VTT)
	b = appendDouble(b, 7, f.OI)
	b = appendDouble(b, 8, f.IV)
	b = appendDouble(b, 9, f.TBQ)
	b = appendDouble(b, 10, f.TSQ)
	return b
}

func encodeLTPC(p LTPC) []byte {
	var b []byte
	b = appendDouble(b, 1, p.LTP)
	b = appendVarint(b, 2, p.LTT)
	b = appendVarint(b, 3, p.LTQ)
	b = appendDouble(b, 4, p.CP)
	return b
}

func encodeQuote(q Quote) []byte {
	var b []byte
	b = appendVarint(b, 1, q.BidQty)
	b = appendDouble(b, 2, q.BidPrice)
	b = appendVarint(b, 3, q.AskQty)
	b = appendDouble(b, 4, q.AskPrice)
	return b
}

func encodeGreeks(g OptionGreeks) []byte {
	var b []byte
	b = appendDouble(b, 1, g.Delta)
	b = appendDouble(b, 2, g.Theta)
	b = appendDouble(b, 3, g.Gamma)
	b = appendDouble(b, 4, g.Vega)
	b = appendDouble(b, 5, g.Rho)
	return b
}

func encodeOHLCList(list []OHLC) []byte {
	var b []byte
	for _, c := range list {
		var m []byte
		m = appendString(m, 1, c.Interval)
		m = appendDouble(m, 2, c.Open)
		m = appendDouble(m, 3, c.High)
		m = appendDouble(m, 4, c.Low)
		m = appendDouble(m, 5, c.Close)
		m = appendVarint(m, 6, c.Volume)
		m = appendVarint(m, 7, c.TS)
		b = appendMessage(b, 1, m)
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMessage always writes the field, even for an empty body, so that
// presence of a sub-message survives a round trip.
func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}
