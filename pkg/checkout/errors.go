package checkout

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the checkout engine.
var (
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrIntentCreationFailed     = errors.New("intent creation failed")
	ErrIntentAlreadyIssued      = errors.New("intent already issued")
	ErrVerifierUnavailable      = errors.New("verifier unavailable")
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrUnknownReservation       = errors.New("unknown reservation")
	ErrAmountMismatch           = errors.New("amount mismatch")
	ErrMalformedPayload         = errors.New("malformed payload")
	ErrProcessorUnavailable     = errors.New("processor unavailable")
	ErrProcessorRejected        = errors.New("processor rejected request")
	ErrVersionConflict          = errors.New("reservation version conflict")
	ErrDuplicateLedgerEntry     = errors.New("duplicate ledger entry")
	ErrDuplicateCommission      = errors.New("duplicate commission entry")
	ErrReservationExists        = errors.New("reservation already exists")
	ErrExternalReferenceTaken   = errors.New("external reference already assigned")
	ErrInvalidTransition        = errors.New("invalid state transition")
	ErrReservationNotRefundable = errors.New("reservation not refundable")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidPaymentID         = errors.New("invalid payment id")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidTier              = errors.New("invalid tier")
	ErrInvalidReservationState  = errors.New("invalid reservation state")
	ErrInvalidPaymentStatus     = errors.New("invalid payment status")
	ErrInvalidReservationDraft  = errors.New("invalid reservation draft")
	ErrInvalidCommissionRate    = errors.New("invalid commission rate")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
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

// IsRetryable reports whether err belongs to the transient class: the caller may retry with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProcessorUnavailable) ||
		errors.Is(err, ErrVerifierUnavailable) ||
		errors.Is(err, ErrVersionConflict)
}

// RequiresOperator reports whether err must be surfaced to an operator rather than retried.
func RequiresOperator(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnknownReservation) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrAmountMismatch)
}
