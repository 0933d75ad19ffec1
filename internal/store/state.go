package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"flowtrace/internal/model"
)

// StateStore persists gap records and CandleGroup snapshots (C14,
// spec.md §4.6/§4.8), grounded on the same sqlite writer idiom as
// CandleStore. Kept as a separate table set (and separate *sql.DB, since
// it's typically opened against its own file) so a gap/state backlog
// never competes with candle-write throughput.
type StateStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenStateStore opens (creating if absent) the gap/state database.
func OpenStateStore(dbPath string, log *zap.Logger) (*StateStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS gaps (
			exchange       TEXT    NOT NULL,
			symbol         TEXT    NOT NULL,
			from_trade_id  INTEGER NOT NULL,
			to_trade_id    INTEGER NOT NULL,
			gap_size       INTEGER NOT NULL,
			detected_at    INTEGER NOT NULL,
			synced         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (exchange, symbol, from_trade_id, to_trade_id)
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			exchange TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			data     TEXT NOT NULL,
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (exchange, symbol)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create state schema: %w", err)
	}

	return &StateStore{db: db, log: log.Named("state-store")}, nil
}

// SaveGap inserts or updates a gap record (spec.md §4.3 step 1).
func (s *StateStore) SaveGap(g model.GapRecord) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO gaps (exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, g.GapSize, g.DetectedAtMs, boolToInt(g.Synced),
	)
	if err != nil {
		return fmt.Errorf("store: save gap: %w", err)
	}
	return nil
}

// SaveGapBatch inserts or updates several gap records in one transaction.
func (s *StateStore) SaveGapBatch(gaps []model.GapRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin gap batch: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO gaps (exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare gap batch: %w", err)
	}
	defer stmt.Close()

	for _, g := range gaps {
		if _, err := stmt.Exec(g.Exchange, g.Symbol, g.FromTradeID, g.ToTradeID, g.GapSize, g.DetectedAtMs, boolToInt(g.Synced)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: exec gap batch: %w", err)
		}
	}
	return tx.Commit()
}

// LoadUnsyncedGaps returns every gap not yet repaired by the async
// exchange re-fetch, for (exchange, symbol).
func (s *StateStore) LoadUnsyncedGaps(exchange, symbol string) ([]model.GapRecord, error) {
	rows, err := s.db.Query(
		`SELECT exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced
		 FROM gaps WHERE exchange = ? AND symbol = ? AND synced = 0 ORDER BY detected_at ASC`,
		exchange, symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load unsynced gaps: %w", err)
	}
	defer rows.Close()
	return scanGaps(rows)
}

// LoadAllGaps returns every recorded gap, synced or not.
func (s *StateStore) LoadAllGaps(exchange, symbol string) ([]model.GapRecord, error) {
	rows, err := s.db.Query(
		`SELECT exchange, symbol, from_trade_id, to_trade_id, gap_size, detected_at, synced
		 FROM gaps WHERE exchange = ? AND symbol = ? ORDER BY detected_at ASC`,
		exchange, symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load all gaps: %w", err)
	}
	defer rows.Close()
	return scanGaps(rows)
}

func scanGaps(rows *sql.Rows) ([]model.GapRecord, error) {
	var out []model.GapRecord
	for rows.Next() {
		var g model.GapRecord
		var synced int
		if err := rows.Scan(&g.Exchange, &g.Symbol, &g.FromTradeID, &g.ToTradeID, &g.GapSize, &g.DetectedAtMs, &synced); err != nil {
			return nil, fmt.Errorf("store: scan gap row: %w", err)
		}
		g.Synced = synced != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGapSynced flags (fromTradeID, toTradeID) for (exchange, symbol) as
// repaired by the async re-fetch.
func (s *StateStore) MarkGapSynced(exchange, symbol string, fromTradeID, toTradeID uint64) error {
	_, err := s.db.Exec(
		`UPDATE gaps SET synced = 1 WHERE exchange = ? AND symbol = ? AND from_trade_id = ? AND to_trade_id = ?`,
		exchange, symbol, fromTradeID, toTradeID,
	)
	if err != nil {
		return fmt.Errorf("store: mark gap synced: %w", err)
	}
	return nil
}

// SaveSnapshot persists one CandleGroup snapshot (spec.md §4.8 step 2).
func (s *StateStore) SaveSnapshot(snap model.CandleGroupSnapshot) error {
	data, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO snapshots (exchange, symbol, data, saved_at) VALUES (?, ?, ?, ?)`,
		snap.Exchange, snap.Symbol, string(data), snap.SavedAtMs,
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

// SaveSnapshotBatch persists several snapshots in one transaction, used
// by the periodic per-worker flush (spec.md §4.8).
func (s *StateStore) SaveSnapshotBatch(snaps []model.CandleGroupSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin snapshot batch: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO snapshots (exchange, symbol, data, saved_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("store: prepare snapshot batch: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		data, err := snap.Marshal()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store: marshal snapshot batch: %w", err)
		}
		if _, err := stmt.Exec(snap.Exchange, snap.Symbol, string(data), snap.SavedAtMs); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: exec snapshot batch: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the snapshot for (exchange, symbol), or nil if none.
func (s *StateStore) LoadSnapshot(exchange, symbol string) (*model.CandleGroupSnapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM snapshots WHERE exchange = ? AND symbol = ?`, exchange, symbol).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}
	snap, err := model.UnmarshalSnapshot([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadAllSnapshots returns every stored snapshot; it answers the state
// load_all action. Workers restore their groups through load_batch.
func (s *StateStore) LoadAllSnapshots() ([]model.CandleGroupSnapshot, error) {
	rows, err := s.db.Query(`SELECT data FROM snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store: load all snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.CandleGroupSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan snapshot row: %w", err)
		}
		snap, err := model.UnmarshalSnapshot([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("store: unmarshal snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
