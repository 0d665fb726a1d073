package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

// Reader provides read-only access to stored ticks and instruments.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(path string, log *slog.Logger) (*Reader, error) {
	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	logger.Component(log, "sqlite-reader").Info("opened database", "path", path)
	return &Reader{db: db}, nil
}

// Reader returns a Reader sharing the store's connection.
func (s *Store) Reader() *Reader { return &Reader{db: s.db} }

// TicksBetween returns the ticks of identifier with from <= ltt < to, oldest first.
func (r *Reader) TicksBetween(ctx context.Context, identifier string, from, to time.Time) ([]model.NormalizedTick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM ticks
		WHERE identifier = ? AND ltt >= ? AND ltt < ?
		ORDER BY ltt ASC, data_type ASC, ingested_at ASC
	`, identifier, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []model.NormalizedTick
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite scan tick: %w", err)
		}
		var t model.NormalizedTick
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("unmarshal tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// InstrumentFilter narrows InstrumentsBy. Zero fields match everything.
type InstrumentFilter struct {
	Identifier string
	Symbol     string
	Segment    string
	Expiry     *time.Time
	ActiveOnly bool
	Subscribed *bool
}

// InstrumentsBy returns the stored instruments matching f in identifier order.
func (r *Reader) InstrumentsBy(ctx context.Context, f InstrumentFilter) ([]model.SubscriptionEntry, error) {
	var (
		conds []string
		args  []any
	)
	if f.Identifier != "" {
		conds, args = append(conds, "identifier = ?"), append(args, f.Identifier)
	}
	if f.Symbol != "" {
		conds, args = append(conds, "symbol = ?"), append(args, f.Symbol)
	}
	if f.Segment != "" {
		conds, args = append(conds, "segment = ?"), append(args, f.Segment)
	}
	if f.Expiry != nil {
		conds, args = append(conds, "expiry = ?"), append(args, nullExpiry(f.Expiry).String)
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	if f.Subscribed != nil {
		conds, args = append(conds, "subscribed = ?"), append(args, boolInt(*f.Subscribed))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	return queryEntries(ctx, r.db, where, args...)
}

// MarketStatusSince returns status transitions at or after since, oldest first.
func (r *Reader) MarketStatusSince(ctx context.Context, since time.Time) ([]model.MarketStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT segment, status, ts FROM market_status WHERE ts >= ? ORDER BY ts ASC, id ASC
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query market_status: %w", err)
	}
	defer rows.Close()

	var out []model.MarketStatus
	for rows.Next() {
		var (
			st model.MarketStatus
			ts int64
		)
		if err := rows.Scan(&st.Segment, &st.Status, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan market_status: %w", err)
		}
		st.TS = time.UnixMilli(ts).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
