// Package subscription turns catalog lookups into the bounded list of
// instruments the feed subscribes to, and keeps that list resident for
// identifier lookups while ticks are normalized.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"derivfeed/internal/catalog"
	"derivfeed/internal/logger"
	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

// Catalog is the subset of *catalog.Catalog the builder uses.
type Catalog interface {
	ResolveExpiries(symbol string, monthsAhead int) ([]time.Time, error)
	Derivatives(symbols []string, expiries []time.Time) ([]model.InstrumentRecord, error)
	IndexRecord(symbol string) (model.InstrumentRecord, error)
}

// Options selects what goes into the subscription list.
type Options struct {
	Indices            []string
	MonthsAhead        int
	IncludeIndexQuotes bool
	IncludeFINNIFTY    bool
	IncludeMIDCPNIFTY  bool
}

func (o Options) symbols() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, s := range o.Indices {
		add(s)
	}
	if o.IncludeFINNIFTY {
		add(catalog.FINNIFTY)
	}
	if o.IncludeMIDCPNIFTY {
		add(catalog.MIDCPNIFTY)
	}
	return out
}

// List is the outcome of one catalog resolution.
type List struct {
	Identifiers       []string
	BreakdownBySymbol map[string]int
	Records           []model.InstrumentRecord
}

// Builder owns the resolved subscription entries.
type Builder struct {
	cat   Catalog
	store model.InstrumentStore
	opts  Options
	limit int
	now   func() time.Time
	log   *slog.Logger

	mu      sync.RWMutex
	entries []model.SubscriptionEntry
	byID    map[string]int
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the clock used for LastUpdated stamps and the
// same-trading-day check.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) { b.log = l }
}

// NewBuilder creates a builder. store may be nil, in which case the list is
// rebuilt on every Init and MarkSubscribed only updates memory.
func NewBuilder(cat Catalog, store model.InstrumentStore, opts Options, limit int, bopts ...BuilderOption) *Builder {
	b := &Builder{
		cat:   cat,
		store: store,
		opts:  opts,
		limit: limit,
		now:   time.Now,
		byID:  make(map[string]int),
	}
	for _, o := range bopts {
		o(b)
	}
	b.log = logger.Component(b.log, "subscription")
	return b
}

// BuildSubscriptionList resolves index quotes (when requested) and derivative
// contracts for every selected symbol. Identifiers are deduplicated and keep
// first-seen order: per symbol, the index quote then its contracts.
func (b *Builder) BuildSubscriptionList(opts Options) (List, error) {
	list := List{BreakdownBySymbol: make(map[string]int)}
	seen := make(map[string]bool)
	add := func(sym string, r model.InstrumentRecord) {
		if seen[r.Identifier] {
			return
		}
		seen[r.Identifier] = true
		list.Identifiers = append(list.Identifiers, r.Identifier)
		list.Records = append(list.Records, r)
		list.BreakdownBySymbol[sym]++
	}

	for _, sym := range opts.symbols() {
		if _, err := catalog.IndexIdentifier(sym); err != nil {
			return List{}, err
		}
		if opts.IncludeIndexQuotes {
			r, err := b.cat.IndexRecord(sym)
			if err != nil {
				return List{}, fmt.Errorf("index quote %s: %w", sym, err)
			}
			add(sym, r)
		}

		expiries, err := b.cat.ResolveExpiries(sym, opts.MonthsAhead)
		if err != nil {
			return List{}, fmt.Errorf("expiries %s: %w", sym, err)
		}
		if len(expiries) == 0 {
			b.log.Warn("no expiries in window", "symbol", sym, "months_ahead", opts.MonthsAhead)
			continue
		}
		recs, err := b.cat.Derivatives([]string{sym}, expiries)
		if err != nil {
			return List{}, fmt.Errorf("derivatives %s: %w", sym, err)
		}
		for _, r := range recs {
			add(sym, r)
		}
	}
	return list, nil
}

// Init loads the persisted list when it was refreshed on the current trading
// day; otherwise it rebuilds from the catalog, caps it, and persists it.
func (b *Builder) Init(ctx context.Context) ([]model.SubscriptionEntry, error) {
	now := b.now()

	if b.store != nil {
		existing, err := b.store.ActiveEntries(ctx)
		if err != nil {
			return nil, fmt.Errorf("load active entries: %w", err)
		}
		if len(existing) > 0 && markethours.SameTradingDay(latestUpdate(existing), now) {
			b.setEntries(existing)
			b.log.Info("reusing subscription list", "entries", len(existing))
			return existing, nil
		}
	}

	list, err := b.BuildSubscriptionList(b.opts)
	if err != nil {
		return nil, err
	}
	entries := make([]model.SubscriptionEntry, 0, len(list.Records))
	for _, r := range list.Records {
		entries = append(entries, model.EntryFromRecord(r, now))
	}
	capped := CapToLimit(entries, b.limit)
	if len(capped) < len(entries) {
		b.log.Warn("subscription list capped", "resolved", len(entries), "max", b.limit)
	}

	if b.store != nil {
		if err := b.store.ReplaceActive(ctx, capped); err != nil {
			return nil, fmt.Errorf("persist entries: %w", err)
		}
	}
	b.setEntries(capped)

	attrs := []any{"entries", len(capped)}
	for sym, n := range list.BreakdownBySymbol {
		attrs = append(attrs, sym, n)
	}
	b.log.Info("subscription list built", attrs...)
	return capped, nil
}

// MarkSubscribed flags the given identifiers as confirmed by the feed.
func (b *Builder) MarkSubscribed(ctx context.Context, identifiers []string) error {
	if len(identifiers) == 0 {
		return nil
	}
	now := b.now()
	if b.store != nil {
		if err := b.store.MarkSubscribed(ctx, identifiers, now); err != nil {
			return fmt.Errorf("mark subscribed: %w", err)
		}
	}

	b.mu.Lock()
	for _, id := range identifiers {
		if i, ok := b.byID[id]; ok {
			b.entries[i].Subscribed = true
			b.entries[i].LastUpdated = now
		}
	}
	b.mu.Unlock()
	return nil
}

// Lookup returns the resident entry for identifier.
func (b *Builder) Lookup(identifier string) (model.SubscriptionEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.byID[identifier]
	if !ok {
		return model.SubscriptionEntry{}, false
	}
	return b.entries[i], true
}

// Identifiers returns the resident identifiers in list order.
func (b *Builder) Identifiers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, len(b.entries))
	for i, e := range b.entries {
		ids[i] = e.Identifier
	}
	return ids
}

// Entries returns a copy of the resident entries.
func (b *Builder) Entries() []model.SubscriptionEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.SubscriptionEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Builder) setEntries(entries []model.SubscriptionEntry) {
	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		byID[e.Identifier] = i
	}
	cp := make([]model.SubscriptionEntry, len(entries))
	copy(cp, entries)

	b.mu.Lock()
	b.entries = cp
	b.byID = byID
	b.mu.Unlock()
}

func latestUpdate(entries []model.SubscriptionEntry) time.Time {
	var latest time.Time
	for _, e := range entries {
		if e.LastUpdated.After(latest) {
			latest = e.LastUpdated
		}
	}
	return latest
}
