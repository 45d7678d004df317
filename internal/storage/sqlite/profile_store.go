package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/willibrandon/sqlstep/internal/profile"
)

// ProfileStore keeps connection profiles in the storage database. It
// implements profile.WritableStore.
type ProfileStore struct {
	db *DB
}

// NewProfileStore creates a new profile store.
func NewProfileStore(db *DB) *ProfileStore {
	return &ProfileStore{db: db}
}

const profileColumns = `id, name, driver, custom_driver, url, username, password,
	password_command, max_connections, connection_timeout, test_on_borrow`

func scanProfile(scan func(dest ...any) error) (profile.ConnectionProfile, error) {
	var p profile.ConnectionProfile
	var password string
	err := scan(&p.ID, &p.Name, &p.Driver, &p.CustomDriver, &p.URL, &p.Username, &password,
		&p.PasswordCommand, &p.MaxConnections, &p.ConnectionTimeout, &p.TestOnBorrow)
	if err != nil {
		return profile.ConnectionProfile{}, err
	}
	p.Password = profile.NewSecret(password)
	return p, nil
}

// Lookup returns the profile with the given id.
func (s *ProfileStore) Lookup(ctx context.Context, id string) (profile.ConnectionProfile, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM connection_profiles WHERE id = ?`, id)
	p, err := scanProfile(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.ConnectionProfile{}, fmt.Errorf("%w: %q", profile.ErrNotFound, id)
	}
	if err != nil {
		return profile.ConnectionProfile{}, fmt.Errorf("failed to load connection %q: %w", id, err)
	}
	return p.WithDefaults(), nil
}

// List returns all profiles sorted by id.
func (s *ProfileStore) List(ctx context.Context) ([]profile.ConnectionProfile, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+profileColumns+` FROM connection_profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	profiles := []profile.ConnectionProfile{}
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		profiles = append(profiles, p.WithDefaults())
	}
	return profiles, rows.Err()
}

// Save inserts or replaces a profile.
func (s *ProfileStore) Save(ctx context.Context, p profile.ConnectionProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.WithDefaults()

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO connection_profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			driver = excluded.driver,
			custom_driver = excluded.custom_driver,
			url = excluded.url,
			username = excluded.username,
			password = excluded.password,
			password_command = excluded.password_command,
			max_connections = excluded.max_connections,
			connection_timeout = excluded.connection_timeout,
			test_on_borrow = excluded.test_on_borrow,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Name, p.Driver, p.CustomDriver, p.URL, p.Username, p.Password.Reveal(),
		p.PasswordCommand, p.MaxConnections, p.ConnectionTimeout, p.TestOnBorrow)
	if err != nil {
		return fmt.Errorf("failed to save connection %q: %w", p.ID, err)
	}
	return nil
}

// Delete removes a profile. Deleting an unknown id returns profile.ErrNotFound.
func (s *ProfileStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.conn.ExecContext(ctx, `DELETE FROM connection_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection %q: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %q", profile.ErrNotFound, id)
	}
	return nil
}
