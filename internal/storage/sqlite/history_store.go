package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// DefaultHistoryLimit is the number of executions kept when no limit is given.
const DefaultHistoryLimit = 1000

// HistoryEntry records one script execution.
type HistoryEntry struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Fingerprint  int64     `json:"fingerprint"`
	Script       string    `json:"script"`
	Source       string    `json:"source"`
	Statements   int       `json:"statements"`
	RowCount     int       `json:"row_count"`
	Truncated    bool      `json:"truncated"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// HistoryStore provides access to execution history.
type HistoryStore struct {
	db    *DB
	limit int
}

// NewHistoryStore creates a history store that keeps the latest limit
// executions. A limit of zero or less means DefaultHistoryLimit.
func NewHistoryStore(db *DB, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, limit: limit}
}

// Fingerprint hashes a script so that scripts with the same structure but
// different literal values get the same value. Scripts the PostgreSQL parser
// rejects are hashed as written. Returns int64 for SQLite compatibility.
func Fingerprint(script string) int64 {
	normalized, err := pg_query.Normalize(script)
	if err != nil {
		normalized = script
	}
	return int64(pg_query.HashXXH3_64([]byte(normalized), 0))
}

// Record stores an execution and trims the history to the store's limit.
func (s *HistoryStore) Record(ctx context.Context, e HistoryEntry) error {
	e.Script = strings.TrimSpace(e.Script)
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now()
	}
	if e.Fingerprint == 0 {
		e.Fingerprint = Fingerprint(e.Script)
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO execution_history
			(id, connection_id, fingerprint, script, source, statements, row_count, truncated, duration_ms, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ConnectionID, e.Fingerprint, e.Script, e.Source, e.Statements, e.RowCount,
		e.Truncated, e.DurationMs, e.Error, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	_, _ = s.db.conn.ExecContext(ctx, `
		DELETE FROM execution_history
		WHERE id NOT IN (
			SELECT id FROM execution_history
			ORDER BY executed_at DESC
			LIMIT ?
		)
	`, s.limit)

	return nil
}

// Recent returns the latest executions, newest first. An empty connectionID
// matches every connection.
func (s *HistoryStore) Recent(ctx context.Context, connectionID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, connection_id, fingerprint, script, source, statements, row_count, truncated, duration_ms, error, executed_at
		FROM execution_history
		WHERE ? = '' OR connection_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, connectionID, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.Fingerprint, &e.Script, &e.Source, &e.Statements,
			&e.RowCount, &e.Truncated, &e.DurationMs, &e.Error, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneBefore deletes executions recorded before cutoff, at most batch rows
// per statement so readers are never blocked for long. It returns how many
// rows were deleted.
func (s *HistoryStore) PruneBefore(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 10000
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		result, err := s.db.conn.ExecContext(ctx, `
			DELETE FROM execution_history WHERE rowid IN (
				SELECT rowid FROM execution_history
				WHERE executed_at < ?
				LIMIT ?
			)
		`, cutoff, batch)
		if err != nil {
			return total, fmt.Errorf("failed to prune history: %w", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
		if n < int64(batch) {
			return total, nil
		}
	}
}

// Count returns the number of recorded executions.
func (s *HistoryStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_history`).Scan(&n)
	return n, err
}
