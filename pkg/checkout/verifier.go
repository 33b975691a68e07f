package checkout

import (
	"context"
	"errors"
	"fmt"
)

// StatusVerifier fetches authoritative payment status from the processor.
// Webhook bodies are never trusted; every state transition starts from a verified lookup.
type StatusVerifier struct {
	processor Processor
	policy    RetryPolicy
	logger    OperationLogger
}

// NewStatusVerifier wires a StatusVerifier.
func NewStatusVerifier(processor Processor, policy RetryPolicy, logger OperationLogger) (*StatusVerifier, error) {
	if processor == nil {
		return nil, fmt.Errorf("%w: processor dependency is nil", ErrInvalidServiceConfig)
	}
	return &StatusVerifier{processor: processor, policy: policy, logger: logger}, nil
}

// FetchStatus returns the processor's record of paymentID.
// It fails with ErrVerifierUnavailable once retries are exhausted and with ErrPaymentNotFound,
// which is terminal, for ids the processor does not know.
func (verifier *StatusVerifier) FetchStatus(ctx context.Context, paymentID PaymentID) (VerifiedPayment, error) {
	var payment VerifiedPayment
	err := verifier.policy.call(ctx, func() error {
		fetched, fetchErr := verifier.processor.GetPayment(ctx, paymentID)
		if fetchErr != nil {
			return fetchErr
		}
		payment = fetched
		return nil
	})
	err = classifyVerifierError(err)
	if err == nil && payment.PaymentID.String() == "" {
		payment.PaymentID = paymentID
	}
	verifier.logOperation(ctx, OperationLog{
		Operation:     operationVerify,
		PaymentID:     paymentID.String(),
		PaymentStatus: payment.Status,
		Error:         err,
	})
	if err != nil {
		return VerifiedPayment{}, err
	}
	return payment, nil
}

// FindPayments returns every processor payment carrying reservationID as external reference.
func (verifier *StatusVerifier) FindPayments(ctx context.Context, reservationID ReservationID) ([]VerifiedPayment, error) {
	var payments []VerifiedPayment
	err := verifier.policy.call(ctx, func() error {
		found, searchErr := verifier.processor.SearchPayments(ctx, reservationID.String())
		if searchErr != nil {
			return searchErr
		}
		payments = found
		return nil
	})
	err = classifyVerifierError(err)
	verifier.logOperation(ctx, OperationLog{
		Operation:     operationVerify,
		ReservationID: reservationID,
		Error:         err,
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func classifyVerifierError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPaymentNotFound):
		return WrapError(operationVerify, "payment", "not_found", err)
	case errors.Is(err, ErrProcessorUnavailable):
		return WrapError(operationVerify, "payment", "unavailable", fmt.Errorf("%w: %w", ErrVerifierUnavailable, err))
	default:
		return WrapError(operationVerify, "payment", "rejected", err)
	}
}

func (verifier *StatusVerifier) logOperation(ctx context.Context, entry OperationLog) {
	if verifier.logger == nil {
		return
	}
	entry.Status = statusFor(entry.Error)
	verifier.logger.LogOperation(ctx, entry)
}

func statusFor(err error) string {
	if err != nil {
		return operationStatusError
	}
	return operationStatusOK
}
