// Package sqlite provides SQLite storage for connection profiles and
// execution history.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// busyTimeoutMs bounds how long a writer waits on a locked storage file.
// The agent and an in-process CLI may share one file.
const busyTimeoutMs = 5000

// DB is the storage database shared by the profile and history stores.
type DB struct {
	conn *sql.DB
	path string
}

// dsn builds the go-sqlite3 connection string for the storage file.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeoutMs))
	q.Set("_loc", "auto")
	return path + "?" + q.Encode()
}

// Open opens the storage database at path, creating the file, its parent
// directory and the schema as needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*busyTimeoutMs*time.Millisecond)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open storage %s: %w", path, err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	return db, nil
}

// Close closes the database. It is safe to call on a nil conn.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Path returns the storage file path.
func (db *DB) Path() string { return db.path }
