package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

const entryColumns = `identifier, symbol, segment, expiry, strike, kind, is_active, subscribed, last_updated`

func queryEntries(ctx context.Context, db *sql.DB, where string, args ...any) ([]model.SubscriptionEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+entryColumns+` FROM instruments `+where+` ORDER BY identifier`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.SubscriptionEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (model.SubscriptionEntry, error) {
	var (
		e           model.SubscriptionEntry
		expiry      sql.NullString
		strike      sql.NullFloat64
		kind        string
		active, sub int
		updated     int64
	)
	if err := rows.Scan(&e.Identifier, &e.Symbol, &e.Segment, &expiry, &strike, &kind, &active, &sub, &updated); err != nil {
		return e, fmt.Errorf("sqlite scan instrument: %w", err)
	}
	if expiry.Valid {
		t, err := time.ParseInLocation("2006-01-02", expiry.String, markethours.IST)
		if err != nil {
			return e, fmt.Errorf("sqlite expiry %q for %s: %w", expiry.String, e.Identifier, err)
		}
		e.Expiry = &t
	}
	if strike.Valid {
		v := strike.Float64
		e.Strike = &v
	}
	e.Kind = model.ContractKind(kind)
	e.IsActive = active != 0
	e.Subscribed = sub != 0
	e.LastUpdated = time.UnixMilli(updated).UTC()
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullExpiry(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: model.ExpiryKey(t.In(markethours.IST)), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
