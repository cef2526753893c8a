package store

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when an insert or update violates the
// unique email constraint. Uniqueness is enforced by the database so
// concurrent writers have exactly one winner.
var ErrDuplicateEmail = errors.New("email already registered")

// uniqueViolation is the Postgres error code for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
