package sqlite

// initSchema creates the database schema if it doesn't exist.
func (db *DB) initSchema() error {
	schema := `
	-- Connection profiles (profiles.source: sqlite)
	CREATE TABLE IF NOT EXISTS connection_profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		driver TEXT NOT NULL DEFAULT '',
		custom_driver TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		password_command TEXT NOT NULL DEFAULT '',
		max_connections INTEGER NOT NULL DEFAULT 10,
		connection_timeout INTEGER NOT NULL DEFAULT 30,
		test_on_borrow INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per script execution
	CREATE TABLE IF NOT EXISTS execution_history (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		fingerprint INTEGER NOT NULL,
		script TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		statements INTEGER NOT NULL DEFAULT 0,
		row_count INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		executed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_execution_history_executed_at ON execution_history(executed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_execution_history_connection ON execution_history(connection_id, executed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_execution_history_fingerprint ON execution_history(fingerprint);
	`

	_, err := db.conn.Exec(schema)
	return err
}
