package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/willibrandon/sqlstep/internal/profile"
)

// sqlSource is a Source backed by a database/sql pool. It serves the SQLite
// driver.
type sqlSource struct {
	db      *sql.DB
	driver  string
	created time.Time
}

func openSQLSource(ctx context.Context, p profile.ConnectionProfile, url, password string) (Source, error) {
	if url == "" {
		return nil, configurationError(p.ID, "empty connection url")
	}
	if strings.Contains(url, "://") && !strings.HasPrefix(url, "file:") {
		return nil, configurationError(p.ID, "malformed sqlite url %q", url)
	}

	db, err := sql.Open("sqlite3", url)
	if err != nil {
		return nil, configurationError(p.ID, "failed to open database: %v", err)
	}

	maxIdle := p.MaxConnections / 2
	if maxIdle < 1 {
		maxIdle = 1
	}
	db.SetMaxOpenConns(p.MaxConnections)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(30 * time.Minute)

	return &sqlSource{db: db, driver: "sqlite3", created: time.Now()}, nil
}

func (s *sqlSource) Borrow(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: conn}, nil
}

func (s *sqlSource) Close() {
	_ = s.db.Close()
}

func (s *sqlSource) Stats() SourceStats {
	st := s.db.Stats()
	return SourceStats{
		Driver:    s.driver,
		MaxConns:  st.MaxOpenConnections,
		InUse:     st.InUse,
		Idle:      st.Idle,
		CreatedAt: s.created,
	}
}

type sqlConn struct {
	conn *sql.Conn
}

// Execute runs statement as a query and lets the driver's column list
// decide between a result set and an update. A statement without columns is
// stepped to completion here and its count read from the connection's change
// counters.
func (c *sqlConn) Execute(ctx context.Context, statement string) (Cursor, error) {
	before, err := c.totalChanges(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := c.conn.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	cur, err := newSQLRowsCursor(rows)
	if err != nil {
		return nil, err
	}
	if len(cur.columns) > 0 {
		return cur, nil
	}

	for rows.Next() {
	}
	err = rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return &execCursor{affected: c.changesSince(ctx, before)}, nil
}

func (c *sqlConn) totalChanges(ctx context.Context) (int64, error) {
	var total int64
	err := c.conn.QueryRowContext(ctx, "SELECT total_changes()").Scan(&total)
	return total, err
}

// changesSince returns the update count of the statement that ran after
// total_changes() read before. changes() keeps the count of the last
// INSERT, UPDATE or DELETE, so it only applies when the total moved.
func (c *sqlConn) changesSince(ctx context.Context, before int64) int64 {
	var total, last int64
	if err := c.conn.QueryRowContext(ctx, "SELECT total_changes(), changes()").Scan(&total, &last); err != nil {
		return -1
	}
	if total == before {
		return 0
	}
	return last
}

func (c *sqlConn) Validate(ctx context.Context) error {
	var one int
	return c.conn.QueryRowContext(ctx, validationQuery).Scan(&one)
}

func (c *sqlConn) Release() {
	_ = c.conn.Close()
}

// Discard marks the driver connection bad so database/sql closes it rather
// than putting it back in the idle set.
func (c *sqlConn) Discard() {
	_ = c.conn.Raw(func(any) error { return driver.ErrBadConn })
	// Close reports sql.ErrConnDone once Raw has dropped the connection.
	_ = c.conn.Close()
}

type sqlRowsCursor struct {
	rows    *sql.Rows
	columns []Column
}

func newSQLRowsCursor(rows *sql.Rows) (*sqlRowsCursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}
	columns := make([]Column, len(types))
	for i, ct := range types {
		columns[i] = Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}
	return &sqlRowsCursor{rows: rows, columns: columns}, nil
}

func (c *sqlRowsCursor) Columns() []Column { return c.columns }

func (c *sqlRowsCursor) Next() bool { return c.rows.Next() }

func (c *sqlRowsCursor) Values() ([]any, error) {
	values := make([]any, len(c.columns))
	dest := make([]any, len(c.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		return nil, err
	}
	return values, nil
}

func (c *sqlRowsCursor) Close() error {
	err := c.rows.Err()
	if cerr := c.rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *sqlRowsCursor) RowsAffected() int64 { return -1 }

// execCursor is the cursor for a statement that produced no result set.
type execCursor struct {
	affected int64
}

func (c *execCursor) Columns() []Column      { return nil }
func (c *execCursor) Next() bool             { return false }
func (c *execCursor) Values() ([]any, error) { return nil, nil }
func (c *execCursor) Close() error           { return nil }
func (c *execCursor) RowsAffected() int64    { return c.affected }
