package pool

import (
	"errors"
	"fmt"

	"github.com/willibrandon/sqlstep/internal/profile"
)

var (
	// ErrNotFound is returned when the connection id has no profile.
	ErrNotFound = profile.ErrNotFound

	// ErrConfiguration is returned when a pooled source cannot be built for a
	// profile: unknown driver, malformed url, or a connection that cannot be
	// established or validated.
	ErrConfiguration = errors.New("connection configuration error")

	// ErrPoolExhausted is returned when no connection became available within
	// the profile's connection timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

func configurationError(id, format string, args ...any) error {
	return fmt.Errorf("%w: connection %q: %s", ErrConfiguration, id, fmt.Sprintf(format, args...))
}
