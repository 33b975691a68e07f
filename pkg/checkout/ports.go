package checkout

import (
	"context"
	"errors"
	"time"
)

// BackURLs are the browser return targets embedded in a payment preference.
type BackURLs struct {
	Success string
	Failure string
	Pending string
}

// PreferenceRequest is the payment-creation request sent to the processor.
type PreferenceRequest struct {
	Title             string
	Quantity          int
	Currency          Currency
	UnitPrice         AmountMinor
	PayerEmail        string
	BackURLs          BackURLs
	NotificationURL   string
	ExternalReference string
	IdempotencyKey    string
}

// Preference is the processor's answer to a preference creation.
type Preference struct {
	ID        string
	InitPoint string
}

// Processor is the outbound contract with the external payment processor.
// Implementations return errors wrapping ErrProcessorUnavailable for network/5xx/429 failures,
// ErrPaymentNotFound for unknown payments, and ErrProcessorRejected for other 4xx answers.
type Processor interface {
	CreatePreference(ctx context.Context, request PreferenceRequest) (Preference, error)
	GetPayment(ctx context.Context, paymentID PaymentID) (VerifiedPayment, error)
	SearchPayments(ctx context.Context, externalReference string) ([]VerifiedPayment, error)
	Refunder
}

// Refunder issues a full refund of a processor payment.
type Refunder interface {
	RefundPayment(ctx context.Context, paymentID PaymentID) error
}

// TransitionEvent is published after a state transition commits.
type TransitionEvent struct {
	ReservationID ReservationID
	PaymentID     string
	From          ReservationState
	To            ReservationState
	SlotState     SlotState
	Commission    AmountMinor
	NetPayout     AmountMinor
	OccurredAt    time.Time
}

// EventPublisher notifies downstream systems (scheduling, mail) of committed transitions.
// Delivery is at-least-once; the persisted slot state is the exactly-once record.
type EventPublisher interface {
	PublishTransition(ctx context.Context, event TransitionEvent) error
}

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertUnknownReservation AlertKind = "unknown_reservation"
	AlertPaymentNotFound    AlertKind = "payment_not_found"
	AlertAmountMismatch     AlertKind = "amount_mismatch"
	AlertVerifierExhausted  AlertKind = "verifier_exhausted"
	AlertLatePayment        AlertKind = "late_payment"
)

// Alert is a non-retryable condition that needs operator attention.
type Alert struct {
	Kind          AlertKind
	ReservationID string
	PaymentID     string
	Detail        string
	Err           error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// AlertKindFor maps an operator-class error to its alert kind.
func AlertKindFor(err error) (AlertKind, bool) {
	switch {
	case errors.Is(err, ErrUnknownReservation):
		return AlertUnknownReservation, true
	case errors.Is(err, ErrPaymentNotFound):
		return AlertPaymentNotFound, true
	case errors.Is(err, ErrAmountMismatch):
		return AlertAmountMismatch, true
	case errors.Is(err, ErrVerifierUnavailable):
		return AlertVerifierExhausted, true
	default:
		return "", false
	}
}

// SlotKeeper mirrors slot decisions into the scheduling system after a transition commits.
type SlotKeeper interface {
	LockSlot(ctx context.Context, reservation Reservation) error
	ReleaseSlot(ctx context.Context, reservation Reservation) error
}
