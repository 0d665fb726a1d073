// Package feedproto is a protowire codec for the broker's market data feed
// (MarketDataFeed v3). Each inbound binary frame is one FeedResponse.
//
//	FeedResponse { type=1 Type; feeds=2 map<string, Feed>; currentTs=3 int64; marketInfo=4 MarketInfo }
//	Feed         { oneof { ltpc=1 LTPC; fullFeed=2 FullFeed; firstLevelWithGreeks=3 FirstLevelWithGreeks }; requestMode=4 }
//	FullFeed     { oneof { marketFF=1 MarketFullFeed; indexFF=2 IndexFullFeed } }
//
// Feed variants are modelled as distinct Go types so that the fields a variant
// guarantees are plain values rather than a tree of optional pointers.
// requestMode is not retained.
package feedproto

import "fmt"

// FeedType is the FeedResponse.type enum.
type FeedType int32

const (
	InitialFeed FeedType = 0
	LiveFeed    FeedType = 1
	MarketInfo  FeedType = 2
)

func (t FeedType) String() string {
	switch t {
	case InitialFeed:
		return "initial_feed"
	case LiveFeed:
		return "live_feed"
	case MarketInfo:
		return "market_info"
	}
	return fmt.Sprintf("FeedType(%d)", int32(t))
}

// MarketStatus is a segment session phase.
type MarketStatus int32

const (
	PreOpenStart MarketStatus = 0
	PreOpenEnd   MarketStatus = 1
	NormalOpen   MarketStatus = 2
	NormalClose  MarketStatus = 3
	ClosingStart MarketStatus = 4
	ClosingEnd   MarketStatus = 5
)

var marketStatusNames = [...]string{
	"PRE_OPEN_START",
	"PRE_OPEN_END",
	"NORMAL_OPEN",
	"NORMAL_CLOSE",
	"CLOSING_START",
	"CLOSING_END",
}

func (s MarketStatus) String() string {
	if s >= 0 && int(s) < len(marketStatusNames) {
		return marketStatusNames[s]
	}
	return fmt.Sprintf("MarketStatus(%d)", int32(s))
}

// LTPC is last traded price, time (epoch ms), quantity and previous close.
type LTPC struct {
	LTP float64
	LTT int64
	LTQ int64
	CP  float64
}

// Quote is one market depth level.
type Quote struct {
	BidQty   int64
	BidPrice float64
	AskQty   int64
	AskPrice float64
}

// OptionGreeks as computed by the broker.
type OptionGreeks struct {
	Delta float64
	Theta float64
	Gamma float64
	Vega  float64
	Rho   float64
}

// OHLC is one interval candle; Interval is e.g. "1d" or "I1".
type OHLC struct {
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	TS       int64
}

// Feed is one instrument update. The concrete type is one of *LTPCFeed,
// *MarketFullFeed, *IndexFullFeed or *FirstLevelGreeksFeed.
type Feed interface {
	// Last returns the price block every variant carries.
	Last() LTPC
	isFeed()
}

// LTPCFeed carries only the last trade.
type LTPCFeed struct {
	LTPC LTPC
}

// MarketFullFeed is the full tradable-instrument payload. Greeks is nil when
// the broker omits the block (futures).
type MarketFullFeed struct {
	LTPC   LTPC
	Depth  []Quote
	Greeks *OptionGreeks
	OHLC   []OHLC
	ATP    float64
	VTT    int64
	OI     float64
	IV     float64
	TBQ    float64
	TSQ    float64
}

// IndexFullFeed is the full index payload.
type IndexFullFeed struct {
	LTPC LTPC
	OHLC []OHLC
}

// FirstLevelGreeksFeed is the option_greeks mode payload: best quote plus greeks.
type FirstLevelGreeksFeed struct {
	LTPC       LTPC
	FirstDepth Quote
	Greeks     OptionGreeks
	VTT        int64
	OI         float64
	IV         float64
}

func (f *LTPCFeed) Last() LTPC             { return f.LTPC }
func (f *MarketFullFeed) Last() LTPC       { return f.LTPC }
func (f *IndexFullFeed) Last() LTPC        { return f.LTPC }
func (f *FirstLevelGreeksFeed) Last() LTPC { return f.LTPC }

func (*LTPCFeed) isFeed()             {}
func (*MarketFullFeed) isFeed()       {}
func (*IndexFullFeed) isFeed()        {}
func (*FirstLevelGreeksFeed) isFeed() {}

// FeedResponse is one decoded frame. MarketInfo is nil unless the frame
// carried segment status.
type FeedResponse struct {
	Type       FeedType
	Feeds      map[string]Feed
	CurrentTS  int64
	MarketInfo map[string]MarketStatus
}
