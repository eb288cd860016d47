// Package finance holds the error taxonomy shared by the sequencing, posting,
// reconciliation and settlement packages.
package finance

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("finance: not found")
	// ErrConcurrencyConflict indicates a counter or balance update lost a race.
	ErrConcurrencyConflict = errors.New("finance: concurrency conflict")
	// ErrInsufficientBalance indicates a decrease would push a balance below zero.
	ErrInsufficientBalance = errors.New("finance: insufficient balance")
	// ErrDuplicatePosting indicates an entry already exists for the account/document pair.
	ErrDuplicatePosting = errors.New("finance: duplicate posting")
	// ErrBrokenInvariant indicates persisted ledger state violates an invariant.
	ErrBrokenInvariant = errors.New("finance: broken invariant")
	// ErrPostingHalted indicates automated posting was stopped for an account pending audit.
	ErrPostingHalted = errors.New("finance: posting halted pending audit")
	// ErrInvalidTransition indicates a document status change is not permitted.
	ErrInvalidTransition = errors.New("finance: invalid status transition")
	// ErrPostedDocumentLocked indicates an edit to a document that already posted a ledger entry.
	ErrPostedDocumentLocked = errors.New("finance: document already posted to ledger")
	// ErrReferencedByLedger indicates a hard delete of a record referenced by ledger entries.
	ErrReferencedByLedger = errors.New("finance: record referenced by ledger entries")
	// ErrReferencedByDocument indicates a hard delete of a document another document links to.
	ErrReferencedByDocument = errors.New("finance: record referenced by another document")
	// ErrForbidden indicates the actor lacks the permission required by the action.
	ErrForbidden = errors.New("finance: forbidden")
)

// ValidationError reports a request that can be corrected by the caller.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "finance: validation: " + e.Message
	}
	return fmt.Sprintf("finance: validation: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// PostgreSQL error codes the engine reacts to.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
)

// MapPgError translates lock and serialization failures into ErrConcurrencyConflict.
// Other errors are returned unchanged.
func MapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

// UniqueViolation returns the violated constraint name when err is a unique violation.
func UniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// ForeignKeyViolation reports whether err is a foreign key violation.
func ForeignKeyViolation(err error) bool {
	_, ok := ForeignKeyTable(err)
	return ok
}

// ForeignKeyTable returns the referencing table when err is a foreign key violation.
func ForeignKeyTable(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return pgErr.TableName, true
	}
	return "", false
}
