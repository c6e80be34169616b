package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTemplateUnavailable = errors.New("template unavailable")
	ErrNothingToRetry      = errors.New("nothing to retry")
	ErrRetryLimitReached   = errors.New("retry limit reached")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

// ValidationError reports a single invalid request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Inconsistency wraps ErrLedgerInconsistency with the violated condition.
func Inconsistency(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrLedgerInconsistency, fmt.Sprintf(format, args...))
}
