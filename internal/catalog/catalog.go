// Package catalog loads the static instrument master and resolves which index
// derivatives fall inside a lookahead window.
//
// The master file is the broker's instrument dump: a JSON array of records with
// instrument_key, segment, asset_symbol, instrument_type, expiry (epoch millis or
// a date string) and strike_price. Files ending in .gz are decompressed on read.
package catalog

import (
	"bufio"
	"compress/gzip"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

// Catalog is the parsed instrument master. It is loaded once and then shared
// read-only by the resolver and the subscription builder.
type Catalog struct {
	path string
	now  func() time.Time
	log  *slog.Logger

	mu      sync.Mutex
	loaded  bool
	records []model.InstrumentRecord
	badExp  int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the clock used for expiry windows.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.log = l }
}

// New returns a catalog backed by the file at path. Nothing is read until Load.
func New(path string, opts ...Option) *Catalog {
	c := &Catalog{path: path, now: time.Now, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "catalog")
	return c
}

// NewFromRecords returns an already-loaded catalog holding records.
func NewFromRecords(records []model.InstrumentRecord, opts ...Option) *Catalog {
	c := New("", opts...)
	c.records = records
	c.loaded = true
	return c
}

// Load reads and parses the master file on first call and returns the cached
// records afterwards. A failed load is not cached, so a later call retries.
func (c *Catalog) Load() ([]model.InstrumentRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.records, nil
	}

	start := time.Now()
	records, bad, err := readFile(c.path)
	if err != nil {
		return nil, &LoadError{Path: c.path, Err: err}
	}
	c.records = records
	c.badExp = bad
	c.loaded = true

	c.log.Info("instrument master loaded",
		"path", c.path,
		"records", len(records),
		"unparseable_expiries", bad,
		"took", time.Since(start).String())
	return c.records, nil
}

// Len returns the number of loaded records.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// ResolveExpiries returns the distinct expiry dates of symbol's derivative contracts
// from the first day of the current month through the end of the month that is
// monthsAhead+1 months from now, ascending.
func (c *Catalog) ResolveExpiries(symbol string, monthsAhead int) ([]time.Time, error) {
	records, err := c.Load()
	if err != nil {
		return nil, err
	}
	from, until := expiryWindow(c.now(), monthsAhead)
	symbol = strings.ToUpper(symbol)

	seen := make(map[time.Time]struct{})
	var out []time.Time
	for i := range records {
		r := &records[i]
		if !r.IsDerivative() || r.Symbol != symbol || r.Expiry == nil {
			continue
		}
		d := dateOf(*r.Expiry)
		if d.Before(from) || !d.Before(until) {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Derivatives returns the derivative records whose symbol is in symbols and whose
// expiry date is in expiries, deduplicated by identifier, in catalog order.
func (c *Catalog) Derivatives(symbols []string, expiries []time.Time) ([]model.InstrumentRecord, error) {
	records, err := c.Load()
	if err != nil {
		return nil, err
	}
	symSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symSet[strings.ToUpper(s)] = struct{}{}
	}
	expSet := make(map[time.Time]struct{}, len(expiries))
	for _, e := range expiries {
		expSet[dateOf(e)] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []model.InstrumentRecord
	for _, r := range records {
		if !r.IsDerivative() || r.Expiry == nil {
			continue
		}
		if _, ok := symSet[r.Symbol]; !ok {
			continue
		}
		if _, ok := expSet[dateOf(*r.Expiry)]; !ok {
			continue
		}
		if _, dup := seen[r.Identifier]; dup {
			continue
		}
		seen[r.Identifier] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// ResolveIdentifiers is Derivatives reduced to the set of identifiers.
func (c *Catalog) ResolveIdentifiers(symbols []string, expiries []time.Time) (map[string]struct{}, error) {
	recs, err := c.Derivatives(symbols, expiries)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		ids[r.Identifier] = struct{}{}
	}
	return ids, nil
}

// IndexRecord returns the catalog row for symbol's index quote, or a synthesized
// row when the master file does not list it.
func (c *Catalog) IndexRecord(symbol string) (model.InstrumentRecord, error) {
	id, err := IndexIdentifier(symbol)
	if err != nil {
		return model.InstrumentRecord{}, err
	}
	records, err := c.Load()
	if err != nil {
		return model.InstrumentRecord{}, err
	}
	for _, r := range records {
		if r.Identifier == id {
			r.Symbol = strings.ToUpper(symbol)
			r.Kind = model.KindIndex
			return r, nil
		}
	}
	return model.InstrumentRecord{
		Identifier: id,
		Name:       strings.TrimPrefix(id, model.SegmentIndex+"|"),
		Symbol:     strings.ToUpper(symbol),
		Segment:    model.SegmentIndex,
		Kind:       model.KindIndex,
	}, nil
}

// expiryWindow returns [first day of now's month, first day of the month after
// now+monthsAhead+1) in IST.
func expiryWindow(now time.Time, monthsAhead int) (time.Time, time.Time) {
	if monthsAhead < 0 {
		monthsAhead = 0
	}
	ist := now.In(markethours.IST)
	from := time.Date(ist.Year(), ist.Month(), 1, 0, 0, 0, 0, markethours.IST)
	until := time.Date(ist.Year(), ist.Month()+time.Month(monthsAhead)+2, 1, 0, 0, 0, 0, markethours.IST)
	return from, until
}

func dateOf(t time.Time) time.Time {
	ist := t.In(markethours.IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, markethours.IST)
}

func readFile(path string) ([]model.InstrumentRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReaderSize(f, 1<<20)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, 0, err
		}
		defer gz.Close()
		r = gz
	}

	var raw []rawRecord
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, err
	}
	if raw == nil {
		return nil, 0, errors.New("instrument master is not a JSON array")
	}
	records, bad := convert(raw)
	return records, bad, nil
}
