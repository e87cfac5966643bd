// Package sqlite provides a SQLite-backed journal.Repository.
//
// WAL mode is enabled on Open so the webhook handlers appending rows never
// block an operator reading the journal.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jcmexdev/patch-storefront/internal/coordinator/journal"

	// Pure-Go driver, no CGO.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    -- Internal order id (or gateway id for webhooks that matched no order).
    order_id        TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    -- Checkout step name or provider event type.
    step            TEXT        NOT NULL DEFAULT '',
    detail          TEXT,
    error_messages  TEXT        NOT NULL DEFAULT '[]',
    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',
    recorded_at     TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payment_journal_order_id ON payment_journal(order_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_payment_journal_trace_id ON payment_journal(trace_id);
`

// Repository is the SQLite implementation of journal.Repository.
type Repository struct {
	db *sql.DB
}

var _ journal.Repository = (*Repository)(nil)

// Open opens (or creates) the journal database at path and applies the schema.
//
//	repo, err := sqlite.Open("./data/journal.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// Single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply journal schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Append inserts a new journal entry. It is safe to call concurrently.
func (r *Repository) Append(ctx context.Context, entry *journal.Entry) error {
	const q = `
		INSERT INTO payment_journal
			(order_id, status, step, detail, error_messages, trace_id, span_id, recorded_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.OrderID,
		string(entry.Status),
		entry.Step,
		nullableString(entry.Detail),
		entry.ErrorMessages,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append journal entry for %q: %w", entry.OrderID, err)
	}
	return nil
}

// List returns every entry for an order, oldest first.
func (r *Repository) List(ctx context.Context, orderID string) ([]*journal.Entry, error) {
	const q = `
		SELECT order_id, status, step, COALESCE(detail,''), error_messages,
		       trace_id, span_id, recorded_at
		FROM   payment_journal
		WHERE  order_id = ?
		ORDER  BY recorded_at, id`

	rows, err := r.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list journal for %q: %w", orderID, err)
	}
	defer rows.Close()

	var out []*journal.Entry
	for rows.Next() {
		var e journal.Entry
		var recordedAt string
		if err := rows.Scan(
			&e.OrderID,
			&e.Status,
			&e.Step,
			&e.Detail,
			&e.ErrorMessages,
			&e.TraceID,
			&e.SpanID,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan journal row: %w", err)
		}
		if e.RecordedAt, err = parseRFC3339(recordedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// nullableString stores NULL instead of an empty TEXT.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
