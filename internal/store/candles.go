// Package store implements the persistence-side candle writer (C13) and
// gap/state store (C14) of spec.md §4.7, grounded on the sibling pack's
// sqlite writer (internal/store/sqlite/writer.go): WAL-mode SQLite,
// single-writer connection pool, natural-key idempotent inserts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"flowtrace/internal/model"
)

// CandleStore persists candles at natural key (exchange, symbol,
// timeframe, open_time); rewrites are idempotent (INSERT OR REPLACE).
// Only timeframes other than 1s are stored (spec.md §4.7/§6).
type CandleStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenCandleStore opens (creating if absent) the candle database at dbPath.
func OpenCandleStore(dbPath string, log *zap.Logger) (*CandleStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open candle db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			exchange   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			open_time  INTEGER NOT NULL,
			close_time INTEGER NOT NULL,
			data       TEXT    NOT NULL,
			PRIMARY KEY (exchange, symbol, timeframe, open_time)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create candles schema: %w", err)
	}

	return &CandleStore{db: db, log: log.Named("candle-store")}, nil
}

// errCandleRejected marks a validation failure at the writer (spec.md
// §7 "Candle validation failure at writer"): the caller must reject the
// single message without acking it, allowing the sender to retry.
type errCandleRejected struct {
	reason string
}

func (e *errCandleRejected) Error() string {
	return fmt.Sprintf("store: candle rejected: %s", e.reason)
}

// Write validates and persists one candle. 1s candles are silently
// discarded (spec.md §4.7: "discards 1s candles"), not an error.
func (s *CandleStore) Write(c *model.Candle) error {
	if c.Timeframe.IsBase() {
		return nil
	}
	if err := c.Validate(); err != nil {
		return &errCandleRejected{reason: err.Error()}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal candle: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO candles (exchange, symbol, timeframe, open_time, close_time, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Exchange, c.Symbol, string(c.Timeframe), c.OpenTime, c.CloseTime, string(data),
	)
	if err != nil {
		return fmt.Errorf("store: insert candle: %w", err)
	}
	return nil
}

// WriteBatch persists a batch of candles in one transaction, skipping
// (not aborting on) individual validation failures — each candle is
// logged and dropped independently so one bad row doesn't block the rest.
func (s *CandleStore) WriteBatch(candles []*model.Candle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (exchange, symbol, timeframe, open_time, close_time, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if c.Timeframe.IsBase() {
			continue
		}
		if err := c.Validate(); err != nil {
			s.log.Warn("dropping invalid candle from batch",
				zap.String("symbol", c.Symbol), zap.String("timeframe", string(c.Timeframe)), zap.Error(err))
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			s.log.Warn("dropping unmarshalable candle from batch", zap.Error(err))
			continue
		}
		if _, err := stmt.Exec(c.Exchange, c.Symbol, string(c.Timeframe), c.OpenTime, c.CloseTime, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: exec batch insert: %w", err)
		}
	}

	return tx.Commit()
}

// Query returns candles for (exchange, symbol, timeframe) in
// [fromOpenTime, toOpenTime], ordered ascending by open_time.
func (s *CandleStore) Query(exchange, symbol string, tf model.Timeframe, fromOpenTime, toOpenTime int64) ([]*model.Candle, error) {
	rows, err := s.db.Query(
		`SELECT data FROM candles WHERE exchange = ? AND symbol = ? AND timeframe = ?
		 AND open_time BETWEEN ? AND ? ORDER BY open_time ASC`,
		exchange, symbol, string(tf), fromOpenTime, toOpenTime,
	)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	var out []*model.Candle
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan candle row: %w", err)
		}
		var c model.Candle
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("store: unmarshal candle row: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Latest returns the most recent candle for (exchange, symbol, timeframe),
// or nil if none exists.
func (s *CandleStore) Latest(exchange, symbol string, tf model.Timeframe) (*model.Candle, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data FROM candles WHERE exchange = ? AND symbol = ? AND timeframe = ?
		 ORDER BY open_time DESC LIMIT 1`,
		exchange, symbol, string(tf),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest: %w", err)
	}
	var c model.Candle
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("store: unmarshal latest candle: %w", err)
	}
	return &c, nil
}

// Count returns the number of stored candles for (exchange, symbol, timeframe).
func (s *CandleStore) Count(exchange, symbol string, tf model.Timeframe) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM candles WHERE exchange = ? AND symbol = ? AND timeframe = ?`,
		exchange, symbol, string(tf),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *CandleStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the underlying database connection is reachable,
// for the persistence process's health endpoint (spec.md §6 "storage").
func (s *CandleStore) Ping() error {
	return s.db.Ping()
}
