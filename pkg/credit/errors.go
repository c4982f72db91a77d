package credit

import (
	"errors"
	"fmt"
)

// Error classes returned by the credit service. Callers branch on these with
// errors.Is; the wrapped message carries the specifics.
var (
	// ErrValidation marks malformed input: non-positive amounts, unknown
	// enum values, missing fields. Caller-fixable, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown account, transfer, plan, or product.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks a transition attempted from a non-matching
	// state. Never auto-retried.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientBalance marks a failed conservation check. Amounts are
	// never silently clamped.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrConflict marks an optimistic-concurrency collision. The whole
	// operation is safe to retry.
	ErrConflict = errors.New("conflict")

	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Subject identifies the entity a failed operation acted on. Stores and the
// service share one vocabulary so callers can branch on it without parsing
// messages.
type Subject string

const (
	SubjectAccount      Subject = "account"
	SubjectEntry        Subject = "entry"
	SubjectTransfer     Subject = "transfer"
	SubjectPlanGrant    Subject = "plan_grant"
	SubjectTopupProduct Subject = "topup_product"
	SubjectAllocation   Subject = "allocation"
	SubjectTx           Subject = "tx"
)

// OperationError wraps a failure with a stable operation.subject.code triple.
type OperationError struct {
	operation string
	subject   Subject
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() Subject {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject Subject, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
