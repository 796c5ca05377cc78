package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit services.
var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrSyncFailure             = errors.New("sync failure")
	ErrCacheMiss               = errors.New("cache miss")
	ErrUnknownOperation        = errors.New("unknown operation")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidAccountKey       = errors.New("invalid account key")
	ErrInvalidAmount           = errors.New("invalid credit amount")
	ErrInvalidScope            = errors.New("invalid scope")
	ErrInvalidPlanType         = errors.New("invalid plan type")
	ErrInvalidAPIKeyPreference = errors.New("invalid api key preference")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrTeamOwnerRequired       = errors.New("team owner required")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
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
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
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
