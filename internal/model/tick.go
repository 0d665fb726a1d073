package model

import (
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// DataType discriminates live ticks from interval aggregates.
type DataType string

const (
	DataTick   DataType = "tick"
	DataMinute DataType = "minute"
	DataHour   DataType = "hour"
	DataDay    DataType = "day"
)

// NormalizedTick is one observation of one instrument, flattened from a feed message.
// Pointer fields are nil when the feed variant that produced the tick does not carry them.
type NormalizedTick struct {
	Identifier string       `json:"identifier"`
	Symbol     string       `json:"symbol,omitempty"`
	Expiry     *time.Time   `json:"expiry,omitempty"`
	Strike     *float64     `json:"strike,omitempty"`
	Kind       ContractKind `json:"kind,omitempty"`

	LTP float64   `json:"ltp"`
	LTT time.Time `json:"ltt"`
	LTQ int64     `json:"ltq"`
	CP  float64   `json:"cp"`

	Open   *float64 `json:"open,omitempty"`
	High   *float64 `json:"high,omitempty"`
	Low    *float64 `json:"low,omitempty"`
	Close  *float64 `json:"close,omitempty"`
	Volume *int64   `json:"volume,omitempty"`

	BidPrice *float64 `json:"bidPrice,omitempty"`
	BidQty   *int64   `json:"bidQty,omitempty"`
	AskPrice *float64 `json:"askPrice,omitempty"`
	AskQty   *int64   `json:"askQty,omitempty"`

	OpenInterest *float64 `json:"openInterest,omitempty"`
	IV           *float64 `json:"iv,omitempty"`
	Delta        *float64 `json:"delta,omitempty"`
	Theta        *float64 `json:"theta,omitempty"`
	Gamma        *float64 `json:"gamma,omitempty"`
	Vega         *float64 `json:"vega,omitempty"`
	Rho          *float64 `json:"rho,omitempty"`

	ATP *float64 `json:"atp,omitempty"`
	VTT *int64   `json:"vtt,omitempty"`
	TBQ *float64 `json:"tbq,omitempty"`
	TSQ *float64 `json:"tsq,omitempty"`

	DataType   DataType  `json:"dataType"`
	ServerTS   time.Time `json:"serverTs"`
	IngestedAt time.Time `json:"ingestedAt"`
}

// Signature hashes the tick's market state, which is every field except the
// server and ingest timestamps. Two ticks with the same LTT and Signature are
// one update delivered twice; a depth, OI or greeks change without a new trade
// keeps the LTT but changes the Signature.
func (t NormalizedTick) Signature() int64 {
	t.ServerTS, t.IngestedAt = time.Time{}, time.Time{}
	b, _ := json.Marshal(t)
	return int64(xxhash.Sum64(b))
}

// MarketStatus is a segment open/close transition reported by the feed.
type MarketStatus struct {
	Segment string    `json:"segment"`
	Status  string    `json:"status"`
	TS      time.Time `json:"ts"`
}
