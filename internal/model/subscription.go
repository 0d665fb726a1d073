package model

import "time"

// SubscriptionEntry is a persisted instrument the feed subscribes to.
type SubscriptionEntry struct {
	Identifier  string       `json:"identifier"`
	Symbol      string       `json:"symbol"`
	Segment     string       `json:"segment"`
	Expiry      *time.Time   `json:"expiry,omitempty"`
	Strike      *float64     `json:"strike,omitempty"`
	Kind        ContractKind `json:"kind"`
	IsActive    bool         `json:"isActive"`
	Subscribed  bool         `json:"subscribed"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// EntryFromRecord builds an active, not-yet-subscribed entry for r.
func EntryFromRecord(r InstrumentRecord, now time.Time) SubscriptionEntry {
	return SubscriptionEntry{
		Identifier:  r.Identifier,
		Symbol:      r.Symbol,
		Segment:     r.Segment,
		Expiry:      r.Expiry,
		Strike:      r.Strike,
		Kind:        r.Kind,
		IsActive:    true,
		LastUpdated: now,
	}
}
