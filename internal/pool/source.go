package pool

import (
	"context"
	"time"
)

// Column describes one result-set column.
type Column struct {
	Name string
	// DatabaseType is the driver's type name for the column (e.g. "INT4",
	// "VARCHAR"). It may be empty.
	DatabaseType string
}

// Cursor is the outcome of executing one statement. A cursor with columns is a
// result set; one without columns carries an affected-row count, available
// after Close.
type Cursor interface {
	Columns() []Column
	Next() bool
	// Values returns the current row. The slice is owned by the caller.
	Values() ([]any, error)
	// Close releases the cursor and reports any error the statement raised
	// while it was being read.
	Close() error
	// RowsAffected is the statement's update count, or -1 when the driver
	// reports none. Valid after Close.
	RowsAffected() int64
}

// Conn is one physical connection checked out of a Source.
type Conn interface {
	Execute(ctx context.Context, statement string) (Cursor, error)
	// Validate runs the trivial liveness query.
	Validate(ctx context.Context) error
	// Release returns the connection to its source for reuse.
	Release()
	// Discard closes the physical connection instead of returning it.
	Discard()
}

// Source is a pool of physical connections for one connection profile.
type Source interface {
	// Borrow waits for an available connection until ctx is done.
	Borrow(ctx context.Context) (Conn, error)
	// Close closes idle connections and rejects new borrows. Connections that
	// are currently borrowed are closed when they are returned.
	Close()
	Stats() SourceStats
}

// SourceStats is a point-in-time snapshot of a Source.
type SourceStats struct {
	Driver    string    `json:"driver"`
	MaxConns  int       `json:"max_conns"`
	InUse     int       `json:"in_use"`
	Idle      int       `json:"idle"`
	CreatedAt time.Time `json:"created_at"`
}

// validationQuery is the liveness check used for test-on-borrow.
const validationQuery = "SELECT 1"
