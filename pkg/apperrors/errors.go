package apperrors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Kind classifies errors by how callers are expected to react to them.
type Kind string

const (
	// KindConfig errors are fatal and surface at startup (unmapped field types, bad descriptors).
	KindConfig Kind = "CONFIG"
	// KindSchemaConflict errors mean the declared schema cannot be reconciled with the live one.
	KindSchemaConflict Kind = "SCHEMA_CONFLICT"
	// KindTransient errors are write failures after which in-memory state was rolled back.
	KindTransient Kind = "TRANSIENT"
	// KindParse errors come from malformed expressions.
	KindParse Kind = "PARSE"
	// KindMigration errors abort the current migration step.
	KindMigration Kind = "MIGRATION"
	// KindTransaction errors are misuse of the transaction context.
	KindTransaction Kind = "TRANSACTION"
)

// Error is a categorized error carrying a stable code and a retryable flag.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// IsRetryable lets retry.IsRetryable recognize categorized errors.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

var (
	ErrUnknownColumnType = &Error{Kind: KindConfig, Code: "UNKNOWN_COLUMN_TYPE", Message: "unknown column type"}
	ErrInvalidDescriptor = &Error{Kind: KindConfig, Code: "INVALID_DESCRIPTOR", Message: "invalid entity descriptor"}

	ErrTypeChangeUnsupported = &Error{Kind: KindSchemaConflict, Code: "TYPE_CHANGE_UNSUPPORTED", Message: "column type conversion is not supported"}
	ErrUnknownNativeType     = &Error{Kind: KindSchemaConflict, Code: "UNKNOWN_NATIVE_TYPE", Message: "unrecognized native column type"}

	ErrConcurrentModification = &Error{Kind: KindTransient, Code: "CONCURRENT_MODIFICATION", Message: "record was modified concurrently", Retryable: true}
	ErrSchemaMismatch         = &Error{Kind: KindTransient, Code: "SCHEMA_MISMATCH", Message: "table schema changed during write", Retryable: true}
	ErrSerialization          = &Error{Kind: KindTransient, Code: "SERIALIZATION_FAILURE", Message: "transaction could not be serialized", Retryable: true}
	ErrConstraintViolation    = &Error{Kind: KindTransient, Code: "CONSTRAINT_VIOLATION", Message: "constraint violation"}

	ErrInvalidExpression = &Error{Kind: KindParse, Code: "INVALID_EXPRESSION", Message: "invalid expression"}

	ErrNoMigrationPath = &Error{Kind: KindMigration, Code: "NO_MIGRATION_PATH", Message: "no migration registered for version"}
	ErrMigrationFailed = &Error{Kind: KindMigration, Code: "MIGRATION_FAILED", Message: "migration failed"}

	ErrNoTransaction       = &Error{Kind: KindTransaction, Code: "NO_TRANSACTION", Message: "no active transaction in context"}
	ErrReadOnlyTransaction = &Error{Kind: KindTransaction, Code: "READ_ONLY", Message: "write attempted in read-only transaction"}
)

// IsRetryable reports whether err, or any error it wraps, is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ClassifyPgError maps PostgreSQL SQLSTATE codes to the datastore taxonomy.
// Errors without a recognized SQLSTATE are returned unchanged.
func ClassifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "42703", // undefined_column
		pgErr.Code == "42P01", // undefined_table
		pgErr.Code == "42701", // duplicate_column
		pgErr.Code == "42P07": // duplicate_table
		return ErrSchemaMismatch.WithCause(err)
	case pgErr.Code == "40001", // serialization_failure
		pgErr.Code == "40P01": // deadlock_detected
		return ErrSerialization.WithCause(err)
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
		return ErrConstraintViolation.WithMessage("constraint violation (%s)", pgErr.ConstraintName).WithCause(err)
	}
	return err
}
