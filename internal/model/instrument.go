package model

import (
	"strings"
	"time"
)

// ContractKind classifies an instrument as call, put, future or index.
type ContractKind string

const (
	KindCall   ContractKind = "CE"
	KindPut    ContractKind = "PE"
	KindFuture ContractKind = "FUT"
	KindIndex  ContractKind = "INDEX"
)

// ParseContractKind maps catalog instrument_type values onto a ContractKind.
func ParseContractKind(s string) (ContractKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CE", "CALL":
		return KindCall, true
	case "PE", "PUT":
		return KindPut, true
	case "FUT", "FUTIDX", "FUTURE":
		return KindFuture, true
	case "INDEX":
		return KindIndex, true
	}
	return "", false
}

// IsOption reports whether k is a call or put.
func (k ContractKind) IsOption() bool {
	return k == KindCall || k == KindPut
}

// Catalog segment tags.
const (
	SegmentIndex = "NSE_INDEX"
	SegmentFO    = "NSE_FO"
)

// InstrumentRecord is one row of the static instrument master.
// Expiry and Strike are nil for indices.
type InstrumentRecord struct {
	Identifier    string       `json:"identifier"`
	Name          string       `json:"name"`
	TradingSymbol string       `json:"tradingSymbol"`
	Symbol        string       `json:"symbol"`
	Segment       string       `json:"segment"`
	Expiry        *time.Time   `json:"expiry,omitempty"`
	Strike        *float64     `json:"strike,omitempty"`
	Kind          ContractKind `json:"kind"`
	LotSize       int          `json:"lotSize,omitempty"`
}

// IsDerivative reports whether the record is an option or future contract.
func (r *InstrumentRecord) IsDerivative() bool {
	return r.Kind.IsOption() || r.Kind == KindFuture
}
