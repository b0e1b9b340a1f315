package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"farsiland-scraper/pkg/utils"
)

// Kind classifies a database failure by how the caller should react
type Kind int

const (
	KindUnknown    Kind = iota // Not classified; surfaced as-is
	KindConstraint             // Data violates a table constraint; never retried
	KindTransient              // Connection, lock or serialization trouble; retried with backoff
	KindSchema                 // Missing table/column or bad SQL; never retried
)

func (k Kind) String() string {
	switch k {
	case KindConstraint:
		return "constraint_violation"
	case KindTransient:
		return "transient_io"
	case KindSchema:
		return "schema"
	}
	return "unknown"
}

// Error is a classified failure of one store operation
type Error struct {
	Kind Kind
	Op   string // e.g. "upsert_show"
	URL  string // Primary key involved, when known
	Code string // SQLSTATE, when the server reported one
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("db %s (%s)", e.Op, e.Kind)
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the utils sentinel for the error's kind, and utils.ErrDatabase for every kind
func (e *Error) Is(target error) bool {
	switch target {
	case utils.ErrDatabase:
		return true
	case utils.ErrConstraintViolation:
		return e.Kind == KindConstraint
	case utils.ErrTransientIO:
		return e.Kind == KindTransient
	case utils.ErrSchema:
		return e.Kind == KindSchema
	}
	return false
}

// Transient SQLSTATEs outside the always-transient classes 08 and 53
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
	"57P01": true, // admin_shutdown
}

// Classify wraps err as an *Error for op. An err that is already an *Error is returned unchanged.
func Classify(op, url string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	e := &Error{Kind: KindUnknown, Op: op, URL: url, Err: err}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e.Code = pgErr.Code
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch {
		case class == "23":
			e.Kind = KindConstraint
		case class == "42":
			e.Kind = KindSchema
		case class == "08", class == "53", transientCodes[pgErr.Code]:
			e.Kind = KindTransient
		}
		return e
	}

	// The caller's context ending is not a database fault and must not be retried
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return e
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		e.Kind = KindTransient
	case errors.As(err, &connectErr), errors.As(err, &netErr):
		e.Kind = KindTransient
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
		e.Kind = KindTransient
	}
	return e
}
