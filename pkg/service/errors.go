package service

import (
	"errors"
	"fmt"
)

// The engine reports failures through a small taxonomy so callers can
// decide whether to retry. Validation and invalid-state failures are not
// retryable; a conflict is retryable after a re-fetch; an external
// failure is retryable with backoff; a ledger-integrity failure
// indicates a bug and must alert.

// ValidationError means the input was bad before any state was touched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidStateError means the requested transition is illegal from the
// entity's current state.
type InvalidStateError struct {
	Entity string
	From   string
	To     string
	Msg    string
}

func (e *InvalidStateError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func invalidTransition(entity, from, to string) error {
	return &InvalidStateError{Entity: entity, From: from, To: to}
}

func invalidStatef(format string, args ...interface{}) error {
	return &InvalidStateError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError means the caller lost a race against a concurrent
// mutation and must re-fetch the entity before retrying.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// ExternalFailure wraps an error from a collaborator outside the engine
// (payment gateway, tasker directory). Retryable with backoff.
type ExternalFailure struct {
	Op  string
	Err error
}

func (e *ExternalFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed", e.Op)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ExternalFailure) Unwrap() error { return e.Err }

// LedgerIntegrityError means the double-entry invariant would be
// violated. It is fatal: it is raised before anything is persisted and
// signals a bug rather than an expected runtime condition.
type LedgerIntegrityError struct {
	Msg string
}

func (e *LedgerIntegrityError) Error() string { return e.Msg }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsExternalFailure(err error) bool {
	var e *ExternalFailure
	return errors.As(err, &e)
}

func IsLedgerIntegrity(err error) bool {
	var e *LedgerIntegrityError
	return errors.As(err, &e)
}
