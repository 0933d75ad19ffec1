// Package queue implements the durable on-disk FIFO queue (C11,
// spec.md §4.6), grounded on the sibling pack's internal/store/sqlite
// writer: WAL-mode SQLite, a single-writer connection pool, transactional
// row operations.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"flowtrace/internal/model"
)

// Queue is a transactional local queue table: enqueue(msg), dequeue(n),
// mark_processed(id), cleanup(retention_hours), per spec.md §4.6.
// Safe for one concurrent writer plus one concurrent dequeue-poller, as
// spec.md §5 requires — SQLite's own locking plus a single-connection
// pool (SetMaxOpenConns(1)) make every operation here serialize safely.
type Queue struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if absent) the SQLite-backed queue at dbPath.
func Open(dbPath string, log *zap.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	return &Queue{db: db, log: log.Named("queue")}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			payload      BLOB NOT NULL,
			enqueued_at  INTEGER NOT NULL,
			processed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_queue_unprocessed
			ON queue (enqueued_at) WHERE processed_at IS NULL;
	`)
	return err
}

// Enqueue inserts one message, transactionally. Safe against concurrent
// readers (spec.md §4.6).
func (q *Queue) Enqueue(msg model.QueueMessage) error {
	_, err := q.db.Exec(
		`INSERT INTO queue (id, type, payload, enqueued_at, processed_at) VALUES (?, ?, ?, ?, NULL)`,
		msg.ID, msg.Type, msg.Payload, msg.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue returns up to n of the oldest unprocessed rows, ordered by
// enqueued_at (FIFO). Meant to be called from exactly one poller
// goroutine (spec.md §4.6).
func (q *Queue) Dequeue(n int) ([]model.QueueMessage, error) {
	rows, err := q.db.Query(
		`SELECT id, type, payload, enqueued_at, processed_at FROM queue
		 WHERE processed_at IS NULL ORDER BY enqueued_at ASC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	defer rows.Close()

	var out []model.QueueMessage
	for rows.Next() {
		var msg model.QueueMessage
		var processedAt sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.Type, &msg.Payload, &msg.EnqueuedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("queue: scan row: %w", err)
		}
		if processedAt.Valid {
			msg.ProcessedAt = &processedAt.Int64
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkProcessed sets processed_at = now for the given message id.
func (q *Queue) MarkProcessed(id string, nowMs int64) error {
	_, err := q.db.Exec(`UPDATE queue SET processed_at = ? WHERE id = ?`, nowMs, id)
	if err != nil {
		return fmt.Errorf("queue: mark processed: %w", err)
	}
	return nil
}

// Cleanup deletes processed rows older than retentionHours (spec.md
// §4.6 / §3: "rows with processed_at older than 24h are deleted on a
// background sweep").
func (q *Queue) Cleanup(retentionHours int, nowMs int64) (int64, error) {
	cutoff := nowMs - int64(retentionHours)*int64(time.Hour/time.Millisecond)
	res, err := q.db.Exec(`DELETE FROM queue WHERE processed_at IS NOT NULL AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Depth returns the current count of unprocessed rows, for metrics.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
