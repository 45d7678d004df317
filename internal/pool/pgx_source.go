package pool

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willibrandon/sqlstep/internal/logger"
	"github.com/willibrandon/sqlstep/internal/profile"
)

// pgxSource is a Source backed by pgxpool.
type pgxSource struct {
	pool    *pgxpool.Pool
	created time.Time
}

func openPgxSource(ctx context.Context, p profile.ConnectionProfile, url, password string) (Source, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, configurationError(p.ID, "failed to parse connection url: %v", err)
	}

	if p.Username != "" {
		poolConfig.ConnConfig.User = p.Username
	}
	if password != "" {
		poolConfig.ConnConfig.Password = password
	}

	poolConfig.MaxConns = int32(p.MaxConnections)
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = time.Duration(p.ConnectionTimeout) * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "sqlstep"

	logger.Debug("Connection pool configuration",
		"connection", p.ID,
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns,
	)

	// The pool outlives the request that triggered its construction.
	pool, err := pgxpool.NewWithConfig(context.WithoutCancel(ctx), poolConfig)
	if err != nil {
		return nil, configurationError(p.ID, "failed to create connection pool: %v", err)
	}

	return &pgxSource{pool: pool, created: time.Now()}, nil
}

func (s *pgxSource) Borrow(ctx context.Context) (Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

// Close runs in the background: pgxpool.Close blocks until every borrowed
// connection has been returned.
func (s *pgxSource) Close() {
	go s.pool.Close()
}

func (s *pgxSource) Stats() SourceStats {
	st := s.pool.Stat()
	return SourceStats{
		Driver:    "postgres",
		MaxConns:  int(st.MaxConns()),
		InUse:     int(st.AcquiredConns()),
		Idle:      int(st.IdleConns()),
		CreatedAt: s.created,
	}
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Execute(ctx context.Context, statement string) (Cursor, error) {
	rows, err := c.conn.Query(ctx, statement)
	if err != nil {
		return nil, err
	}
	return newPgxCursor(rows), nil
}

func (c *pgxConn) Validate(ctx context.Context) error {
	var one int
	return c.conn.QueryRow(ctx, validationQuery).Scan(&one)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}

// Discard closes the physical connection; pgxpool destroys closed
// connections on release instead of returning them to the idle set.
func (c *pgxConn) Discard() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.conn.Conn().Close(ctx)
	c.conn.Release()
}

type pgxCursor struct {
	rows    pgx.Rows
	columns []Column
}

func newPgxCursor(rows pgx.Rows) *pgxCursor {
	fieldDescs := rows.FieldDescriptions()
	columns := make([]Column, len(fieldDescs))
	typeMap := rows.Conn().TypeMap()
	for i, fd := range fieldDescs {
		columns[i] = Column{Name: fd.Name}
		if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
			columns[i].DatabaseType = t.Name
		}
	}
	return &pgxCursor{rows: rows, columns: columns}
}

func (c *pgxCursor) Columns() []Column { return c.columns }

func (c *pgxCursor) Next() bool { return c.rows.Next() }

func (c *pgxCursor) Values() ([]any, error) {
	values, err := c.rows.Values()
	if err != nil {
		return nil, err
	}
	// Copy since pgx may reuse the slice
	row := make([]any, len(values))
	copy(row, values)
	return row, nil
}

func (c *pgxCursor) Close() error {
	c.rows.Close()
	return c.rows.Err()
}

func (c *pgxCursor) RowsAffected() int64 {
	return c.rows.CommandTag().RowsAffected()
}
