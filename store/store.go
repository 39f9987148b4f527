// Package store persists 1m candles to SQLite so warm-up history
// survives restarts and backfills are incremental.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marketkit/engine/market"
)

// Schema creates the candle table. The primary key makes ingestion
// idempotent: replayed candles are ignored, never duplicated.
const Schema = `
CREATE TABLE IF NOT EXISTS candles (
	asset      TEXT    NOT NULL,
	open_time  INTEGER NOT NULL,
	open       REAL    NOT NULL,
	high       REAL    NOT NULL,
	low        REAL    NOT NULL,
	close      REAL    NOT NULL,
	volume     REAL    NOT NULL,
	PRIMARY KEY (asset, open_time)
);
`

// CandleStore reads and writes 1m candles. Safe for concurrent use;
// database/sql serializes access to the single SQLite connection pool.
type CandleStore struct {
	db *sql.DB
}

// Open opens (and if needed creates) the candle database at path.
// ":memory:" works for tests.
func Open(path string) (*CandleStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open candle db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create candle schema: %w", err)
	}
	return &CandleStore{db: db}, nil
}

// Append stores one candle, silently skipping an already stored
// (asset, open_time) pair.
func (s *CandleStore) Append(ctx context.Context, c market.Candle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candles
		(asset, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Asset, c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	return err
}

// AppendBatch stores candles in a single transaction.
func (s *CandleStore) AppendBatch(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles
		(asset, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Asset, c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert candle %s@%s: %w", c.Asset, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

// FetchRange returns candles for asset with open time in [from, to),
// ordered by open time ascending.
func (s *CandleStore) FetchRange(ctx context.Context, asset string, from, to time.Time) ([]market.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, open_time, open, high, low, close, volume
		FROM candles
		WHERE asset = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC`,
		asset, from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		var openMs int64
		if err := rows.Scan(&c.Asset, &openMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LatestTime returns the newest stored open time for asset, or a zero
// time when nothing is stored yet.
func (s *CandleStore) LatestTime(ctx context.Context, asset string) (time.Time, error) {
	var openMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(open_time) FROM candles WHERE asset = ?`, asset,
	).Scan(&openMs)
	if err != nil {
		return time.Time{}, err
	}
	if !openMs.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(openMs.Int64).UTC(), nil
}

// Count returns the number of stored candles for asset.
func (s *CandleStore) Count(ctx context.Context, asset string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE asset = ?`, asset,
	).Scan(&n)
	return n, err
}

func (s *CandleStore) Close() error {
	return s.db.Close()
}
