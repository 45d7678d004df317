package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/willibrandon/sqlstep/internal/profile"
)

// ProbeTimeout bounds a TestConnection call.
const ProbeTimeout = 30 * time.Second

// TestConnection opens a throwaway single-connection source for the given
// settings, validates one connection and closes everything. Nothing is cached.
func TestConnection(ctx context.Context, driver, url, username, password string) error {
	p := profile.ConnectionProfile{
		ID:                "connection-test",
		Name:              "connection test",
		Driver:            driver,
		URL:               url,
		Username:          username,
		Password:          profile.NewSecret(password),
		MaxConnections:    1,
		ConnectionTimeout: int(ProbeTimeout / time.Second),
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	src, err := openSource(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()

	conn, err := src.Borrow(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to connect: %v", ErrConfiguration, err)
	}
	defer conn.Discard()

	if err := conn.Validate(ctx); err != nil {
		return fmt.Errorf("%w: connection is not valid: %v", ErrConfiguration, err)
	}
	return nil
}
