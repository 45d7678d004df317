package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrValidation is returned for a malformed Request, before any connection is
// touched.
var ErrValidation = errors.New("invalid execution request")

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StatementError reports the statement that stopped a script. Statements
// before it have already taken effect.
type StatementError struct {
	// Index is the 1-based position of the statement in the script.
	Index     int    `json:"index"`
	Statement string `json:"statement"`
	Message   string `json:"message"`
	// Code is the SQLSTATE when the database reported one.
	Code string `json:"code,omitempty"`

	Err error `json:"-"`
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d failed: %s (statement: %s)", e.Index, e.Message, e.Statement)
}

func (e *StatementError) Unwrap() error { return e.Err }

func newStatementError(index int, statement string, err error) *StatementError {
	se := &StatementError{
		Index:     index,
		Statement: statement,
		Message:   err.Error(),
		Err:       err,
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		var sb strings.Builder
		sb.WriteString(pgErr.Severity)
		sb.WriteString(": ")
		sb.WriteString(pgErr.Message)
		if pgErr.Detail != "" {
			sb.WriteString(" DETAIL: ")
			sb.WriteString(pgErr.Detail)
		}
		if pgErr.Hint != "" {
			sb.WriteString(" HINT: ")
			sb.WriteString(pgErr.Hint)
		}
		se.Message = sb.String()
		se.Code = pgErr.Code
	}
	return se
}
