package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrVoteNotFound        = errors.New("lifecycle: vote not found")
	ErrTransactionNotFound = errors.New("lifecycle: transaction not found")
	ErrCandidateNotFound   = errors.New("lifecycle: candidate not found")
	// ErrPaymentInitFailed is returned when the provider rejected or never
	// answered the initialization; the transaction is already FAILED.
	ErrPaymentInitFailed = errors.New("lifecycle: payment initialization failed")
)

// ValidationError rejects input before anything is persisted or sent to a provider.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
