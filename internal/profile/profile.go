// Package profile defines connection profiles: named, pre-registered database
// targets that SQL scripts are run against.
package profile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Default pool settings applied when a profile leaves them unset.
const (
	DefaultMaxConnections    = 10
	DefaultConnectionTimeout = 30 // seconds
)

var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrNotFound is returned by a Store when no profile has the requested id.
var ErrNotFound = errors.New("connection profile not found")

// ConnectionProfile describes one database target. ID is the only identity;
// two profiles with the same ID are the same target.
type ConnectionProfile struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Driver            string `json:"driver"`
	CustomDriver      string `json:"custom_driver,omitempty"`
	URL               string `json:"url"`
	Username          string `json:"username,omitempty"`
	Password          Secret `json:"password,omitempty"`
	PasswordCommand   string `json:"password_command,omitempty"`
	MaxConnections    int    `json:"max_connections"`
	ConnectionTimeout int    `json:"connection_timeout"` // seconds
	TestOnBorrow      bool   `json:"test_on_borrow"`
}

// EffectiveDriver returns Driver, falling back to CustomDriver when Driver is blank.
func (p ConnectionProfile) EffectiveDriver() string {
	if strings.TrimSpace(p.Driver) == "" && strings.TrimSpace(p.CustomDriver) != "" {
		return strings.TrimSpace(p.CustomDriver)
	}
	return strings.TrimSpace(p.Driver)
}

// WithDefaults returns a copy with zero pool settings replaced by defaults.
func (p ConnectionProfile) WithDefaults() ConnectionProfile {
	if p.MaxConnections <= 0 {
		p.MaxConnections = DefaultMaxConnections
	}
	if p.ConnectionTimeout <= 0 {
		p.ConnectionTimeout = DefaultConnectionTimeout
	}
	return p
}

// ResolvePassword returns the credential for this profile. A configured
// password_command takes precedence over the stored password.
func (p ConnectionProfile) ResolvePassword() (string, error) {
	if p.PasswordCommand != "" {
		password, err := executePasswordCommand(p.PasswordCommand)
		if err != nil {
			return "", fmt.Errorf("password command for %q failed: %w", p.ID, err)
		}
		return password, nil
	}
	return p.Password.Reveal(), nil
}

// Validate checks the fields a target needs before it can be registered.
func (p ConnectionProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("connection id is required")
	}
	if !validID.MatchString(p.ID) {
		return fmt.Errorf("connection id %q can only contain letters, numbers, underscores, and hyphens", p.ID)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("connection %q: name is required", p.ID)
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("connection %q: url is required", p.ID)
	}
	if p.EffectiveDriver() == "" {
		return fmt.Errorf("connection %q: driver is required", p.ID)
	}
	if p.MaxConnections < 0 {
		return fmt.Errorf("connection %q: max_connections must be >= 1, got %d", p.ID, p.MaxConnections)
	}
	if p.ConnectionTimeout < 0 {
		return fmt.Errorf("connection %q: connection_timeout must be >= 1, got %d", p.ID, p.ConnectionTimeout)
	}
	return nil
}

func (p ConnectionProfile) String() string {
	return fmt.Sprintf("ConnectionProfile{id=%q, name=%q, url=%q, username=%q}", p.ID, p.Name, p.URL, p.Username)
}

// Store resolves profiles by id. Implementations must be safe for concurrent use.
type Store interface {
	Lookup(ctx context.Context, id string) (ConnectionProfile, error)
	List(ctx context.Context) ([]ConnectionProfile, error)
}

// WritableStore is a Store whose profiles can be edited at runtime.
type WritableStore interface {
	Store
	Save(ctx context.Context, p ConnectionProfile) error
	Delete(ctx context.Context, id string) error
}
