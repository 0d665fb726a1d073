package model

import (
	"context"
	"time"
)

// ── Storage and push ports ──
// Concrete implementations live under internal/store and internal/gateway.

// SaveResult reports how a batch write was applied.
type SaveResult struct {
	Inserted   int
	Duplicates int
}

// TickStore persists normalized ticks and market status transitions.
type TickStore interface {
	// SaveTicks writes the batch in one round trip. Ticks whose key already
	// exists are skipped and counted as duplicates; any other failure is returned.
	SaveTicks(ctx context.Context, ticks []NormalizedTick) (SaveResult, error)

	// SaveMarketStatus appends segment status transitions.
	SaveMarketStatus(ctx context.Context, statuses []MarketStatus) error

	// Close releases underlying resources.
	Close() error
}

// InstrumentStore persists the subscription list between restarts.
type InstrumentStore interface {
	// ActiveEntries returns every entry with IsActive set.
	ActiveEntries(ctx context.Context) ([]SubscriptionEntry, error)

	// ReplaceActive deactivates all entries and upserts the given ones as active.
	ReplaceActive(ctx context.Context, entries []SubscriptionEntry) error

	// MarkSubscribed sets Subscribed and stamps LastUpdated on matching entries.
	MarkSubscribed(ctx context.Context, identifiers []string, at time.Time) error
}

// Publisher delivers one push event on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}
