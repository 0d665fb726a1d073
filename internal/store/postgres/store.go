// Package postgres is a PostgreSQL implementation of the tick and instrument
// stores for deployments that share one database across processes.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"derivfeed/internal/logger"
	"derivfeed/internal/markethours"
	"derivfeed/internal/model"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		identifier   TEXT        PRIMARY KEY,
		symbol       TEXT        NOT NULL,
		segment      TEXT        NOT NULL,
		expiry       DATE,
		strike       DOUBLE PRECISION,
		kind         TEXT        NOT NULL,
		is_active    BOOLEAN     NOT NULL DEFAULT FALSE,
		subscribed   BOOLEAN     NOT NULL DEFAULT FALSE,
		last_updated TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments (symbol, segment, expiry);`,
	`CREATE TABLE IF NOT EXISTS ticks (
		identifier  TEXT             NOT NULL,
		data_type   TEXT             NOT NULL,
		ltt         TIMESTAMPTZ      NOT NULL,
		symbol      TEXT,
		ltp         DOUBLE PRECISION NOT NULL,
		ltq         BIGINT           NOT NULL,
		oi          DOUBLE PRECISION,
		iv          DOUBLE PRECISION,
		payload     JSONB            NOT NULL,
		ingested_at TIMESTAMPTZ      NOT NULL,
		sig         BIGINT           NOT NULL,
		PRIMARY KEY (identifier, data_type, ltt, sig)
	);`,
	`CREATE TABLE IF NOT EXISTS market_status (
		id      BIGSERIAL   PRIMARY KEY,
		segment TEXT        NOT NULL,
		status  TEXT        NOT NULL,
		ts      TIMESTAMPTZ NOT NULL
	);`,
}

// Store implements model.TickStore and model.InstrumentStore on PostgreSQL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var (
	_ model.TickStore       = (*Store)(nil)
	_ model.InstrumentStore = (*Store)(nil)
)

// Open connects to dsn, pings it and runs migrations.
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &Store{db: db, log: logger.Component(log, "postgres")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("postgres store ready")
	return s, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("postgres migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SaveTicks inserts the batch in one transaction; conflicting keys are skipped
// and counted as duplicates.
func (s *Store) SaveTicks(ctx context.Context, ticks []model.NormalizedTick) (model.SaveResult, error) {
	var res model.SaveResult
	if len(ticks) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("postgres begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (identifier, data_type, ltt, symbol, ltp, ltq, oi, iv, payload, ingested_at, sig)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		tx.Rollback()
		return res, fmt.Errorf("postgres prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		payload, err := json.Marshal(t)
		if err != nil {
			tx.Rollback()
			return model.SaveResult{}, fmt.Errorf("marshal tick %s: %w", t.Identifier, err)
		}
		dt := t.DataType
		if dt == "" {
			dt = model.DataTick
		}
		r, err := stmt.ExecContext(ctx, t.Identifier, string(dt), t.LTT, nullString(t.Symbol),
			t.LTP, t.LTQ, nullFloat(t.OpenInterest), nullFloat(t.IV), string(payload), t.IngestedAt, t.Signature())
		if err != nil {
			tx.Rollback()
			return model.SaveResult{}, fmt.Errorf("postgres insert tick %s: %w", t.Identifier, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			tx.Rollback()
			return model.SaveResult{}, fmt.Errorf("postgres rows affected: %w", err)
		}
		res.Inserted += int(n)
		res.Duplicates += 1 - int(n)
	}
	if err := tx.Commit(); err != nil {
		return model.SaveResult{}, fmt.Errorf("postgres commit: %w", err)
	}
	return res, nil
}

// SaveMarketStatus appends status transitions.
func (s *Store) SaveMarketStatus(ctx context.Context, statuses []model.MarketStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO market_status (segment, status, ts) VALUES ($1, $2, $3)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("postgres prepare: %w", err)
	}
	defer stmt.Close()
	for _, st := range statuses {
		if _, err := stmt.ExecContext(ctx, st.Segment, st.Status, st.TS); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres insert status %s: %w", st.Segment, err)
		}
	}
	return tx.Commit()
}

// ActiveEntries returns every active subscription entry in identifier order.
func (s *Store) ActiveEntries(ctx context.Context) ([]model.SubscriptionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, symbol, segment, expiry, strike, kind, is_active, subscribed, last_updated
		FROM instruments WHERE is_active ORDER BY identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres query instruments: %w", err)
	}
	defer rows.Close()

	var out []model.SubscriptionEntry
	for rows.Next() {
		var (
			e      model.SubscriptionEntry
			expiry sql.NullTime
			strike sql.NullFloat64
			kind   string
		)
		if err := rows.Scan(&e.Identifier, &e.Symbol, &e.Segment, &expiry, &strike, &kind,
			&e.IsActive, &e.Subscribed, &e.LastUpdated); err != nil {
			return nil, fmt.Errorf("postgres scan instrument: %w", err)
		}
		if expiry.Valid {
			y, m, d := expiry.Time.Date()
			t := time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)
			e.Expiry = &t
		}
		if strike.Valid {
			v := strike.Float64
			e.Strike = &v
		}
		e.Kind = model.ContractKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceActive deactivates every entry, then upserts entries as active.
func (s *Store) ReplaceActive(ctx context.Context, entries []model.SubscriptionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instruments SET is_active = FALSE WHERE is_active`); err != nil {
		tx.Rollback()
		return fmt.Errorf("postgres deactivate: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (identifier, symbol, segment, expiry, strike, kind, is_active, subscribed, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)
		ON CONFLICT (identifier) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			segment = EXCLUDED.segment,
			expiry = EXCLUDED.expiry,
			strike = EXCLUDED.strike,
			kind = EXCLUDED.kind,
			is_active = TRUE,
			subscribed = EXCLUDED.subscribed,
			last_updated = EXCLUDED.last_updated
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("postgres prepare: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Identifier, e.Symbol, e.Segment, nullDate(e.Expiry),
			nullFloat(e.Strike), string(e.Kind), e.Subscribed, e.LastUpdated); err != nil {
			tx.Rollback()
			return fmt.Errorf("postgres upsert %s: %w", e.Identifier, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	s.log.Info("replaced active instruments", "count", len(entries))
	return nil
}

// MarkSubscribed flags the given identifiers as subscribed in one statement.
func (s *Store) MarkSubscribed(ctx context.Context, identifiers []string, at time.Time) error {
	if len(identifiers) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE instruments SET subscribed = TRUE, last_updated = $1 WHERE identifier = ANY($2)`,
		at, pq.Array(identifiers))
	if err != nil {
		return fmt.Errorf("postgres mark subscribed: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
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

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: model.ExpiryKey(t.In(markethours.IST)), Valid: true}
}
