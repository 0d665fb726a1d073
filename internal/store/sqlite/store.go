// Package sqlite persists ticks, market status transitions and the
// subscription list in a single-writer SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"

	"derivfeed/internal/logger"
	"derivfeed/internal/model"
)

const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// Store is a single-connection SQLite store implementing model.TickStore and
// model.InstrumentStore.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var (
	_ model.TickStore       = (*Store)(nil)
	_ model.InstrumentStore = (*Store)(nil)
)

// Open opens (or creates) the database at path in WAL mode and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &Store{db: db, log: logger.Component(log, "sqlite")}
	s.log.Info("opened database", "path", path)
	return s, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			identifier   TEXT    PRIMARY KEY,
			symbol       TEXT    NOT NULL,
			segment      TEXT    NOT NULL,
			expiry       TEXT,
			strike       REAL,
			kind         TEXT    NOT NULL,
			is_active    INTEGER NOT NULL DEFAULT 0,
			subscribed   INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments (symbol, segment, expiry);

		CREATE TABLE IF NOT EXISTS ticks (
			identifier  TEXT    NOT NULL,
			data_type   TEXT    NOT NULL,
			ltt         INTEGER NOT NULL,
			symbol      TEXT,
			ltp         REAL    NOT NULL,
			ltq         INTEGER NOT NULL,
			oi          REAL,
			iv          REAL,
			payload     TEXT    NOT NULL,
			ingested_at INTEGER NOT NULL,
			sig         INTEGER NOT NULL,
			PRIMARY KEY (identifier, data_type, ltt, sig)
		);

		CREATE TABLE IF NOT EXISTS market_status (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			segment TEXT    NOT NULL,
			status  TEXT    NOT NULL,
			ts      INTEGER NOT NULL
		);
	`)
	return err
}

// SaveTicks inserts the batch in one transaction. Rows that collide with an
// existing (identifier, data_type, ltt, sig) key are counted as duplicates.
func (s *Store) SaveTicks(ctx context.Context, ticks []model.NormalizedTick) (model.SaveResult, error) {
	var res model.SaveResult
	if len(ticks) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (identifier, data_type, ltt, symbol, ltp, ltq, oi, iv, payload, ingested_at, sig)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return res, fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		payload, err := json.Marshal(t)
		if err != nil {
			tx.Rollback()
			return model.SaveResult{}, fmt.Errorf("marshal tick %s: %w", t.Identifier, err)
		}
		_, err = stmt.ExecContext(ctx, t.Identifier, string(dataTypeOf(t)), t.LTT.UnixMilli(),
			nullString(t.Symbol), t.LTP, t.LTQ, nullFloat(t.OpenInterest), nullFloat(t.IV),
			string(payload), t.IngestedAt.UnixMilli(), t.Signature())
		if isDuplicate(err) {
			res.Duplicates++
			continue
		}
		if err != nil {
			tx.Rollback()
			return model.SaveResult{}, fmt.Errorf("sqlite insert tick %s: %w", t.Identifier, err)
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return model.SaveResult{}, fmt.Errorf("sqlite commit: %w", err)
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
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO market_status (segment, status, ts) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, st := range statuses {
		if _, err := stmt.ExecContext(ctx, st.Segment, st.Status, st.TS.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert status %s: %w", st.Segment, err)
		}
	}
	return tx.Commit()
}

// ActiveEntries returns every active subscription entry in identifier order.
func (s *Store) ActiveEntries(ctx context.Context) ([]model.SubscriptionEntry, error) {
	return queryEntries(ctx, s.db, `WHERE is_active = 1`)
}

// ReplaceActive deactivates every entry, then upserts entries as active.
func (s *Store) ReplaceActive(ctx context.Context, entries []model.SubscriptionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE instruments SET is_active = 0`); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite deactivate: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (identifier, symbol, segment, expiry, strike, kind, is_active, subscribed, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			symbol = excluded.symbol,
			segment = excluded.segment,
			expiry = excluded.expiry,
			strike = excluded.strike,
			kind = excluded.kind,
			is_active = 1,
			subscribed = excluded.subscribed,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, e.Identifier, e.Symbol, e.Segment, nullExpiry(e.Expiry),
			nullFloat(e.Strike), string(e.Kind), boolInt(e.Subscribed), e.LastUpdated.UnixMilli())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert %s: %w", e.Identifier, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	s.log.Info("replaced active instruments", "count", len(entries))
	return nil
}

// MarkSubscribed flags the given identifiers as subscribed at the given time.
func (s *Store) MarkSubscribed(ctx context.Context, identifiers []string, at time.Time) error {
	if len(identifiers) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE instruments SET subscribed = 1, last_updated = ? WHERE identifier = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range identifiers {
		if _, err := stmt.ExecContext(ctx, at.UnixMilli(), id); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite mark %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isDuplicate reports a primary-key or unique constraint failure.
func isDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func dataTypeOf(t model.NormalizedTick) model.DataType {
	if t.DataType == "" {
		return model.DataTick
	}
	return t.DataType
}
