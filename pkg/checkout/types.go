package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AmountMinor is an integer amount in minor currency units.
type AmountMinor int64

// ReservationID identifies a reservation. It doubles as the external reference sent to the processor.
type ReservationID struct {
	value string
}

// PaymentID is the processor-assigned payment identifier.
type PaymentID struct {
	value string
}

// UserID identifies a student, teacher, or operator.
type UserID struct {
	value string
}

// Currency is an ISO 4217 alphabetic code.
type Currency struct {
	value string
}

// NewAmountMinor validates an amount and ensures it is strictly positive.
func NewAmountMinor(raw int64) (AmountMinor, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// Int64 returns the raw minor-unit value.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewPaymentID validates and normalizes a processor payment id.
func NewPaymentID(raw string) (PaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentID)
	}
	return PaymentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PaymentID) String() string {
	return id.value
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewCurrency validates a three-letter currency code and upper-cases it.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != 3 {
		return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	for _, letter := range normalized {
		if letter < 'A' || letter > 'Z' {
			return Currency{}, fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the normalized code.
func (currency Currency) String() string {
	return currency.value
}

// Tier is the payer tier that selects a commission rate.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
)

// ParseTier validates a tier value.
func ParseTier(raw string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(raw))) {
	case TierStandard:
		return TierStandard, nil
	case TierPremium:
		return TierPremium, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// String returns the tier value.
func (tier Tier) String() string {
	return string(tier)
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	StatePendingPayment       ReservationState = "PENDING_PAYMENT"
	StateAwaitingConfirmation ReservationState = "AWAITING_CONFIRMATION"
	StatePaid                 ReservationState = "PAID"
	StateRejected             ReservationState = "REJECTED"
	StateExpired              ReservationState = "EXPIRED"
	StateRefunded             ReservationState = "REFUNDED"
	StateQuarantined          ReservationState = "QUARANTINED"
)

// ParseReservationState validates a persisted state value.
func ParseReservationState(raw string) (ReservationState, error) {
	state := ReservationState(raw)
	switch state {
	case StatePendingPayment, StateAwaitingConfirmation, StatePaid, StateRejected, StateExpired, StateRefunded, StateQuarantined:
		return state, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationState, raw)
	}
}

// String returns the state value.
func (state ReservationState) String() string {
	return string(state)
}

// IsTerminal reports whether automatic events may no longer move the reservation.
// PAID is terminal but still accepts the refund transition.
func (state ReservationState) IsTerminal() bool {
	switch state {
	case StatePaid, StateRejected, StateExpired, StateRefunded:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the reservation still waits for a payment outcome.
func (state ReservationState) IsOpen() bool {
	return state == StatePendingPayment || state == StateAwaitingConfirmation
}

// SlotState tracks the schedule slot the reservation holds.
type SlotState string

const (
	SlotHeld     SlotState = "HELD"
	SlotLocked   SlotState = "LOCKED"
	SlotReleased SlotState = "RELEASED"
)

// String returns the slot state value.
func (slot SlotState) String() string {
	return string(slot)
}

// ParseSlotState validates a persisted slot state value.
func ParseSlotState(raw string) (SlotState, error) {
	slot := SlotState(raw)
	switch slot {
	case SlotHeld, SlotLocked, SlotReleased:
		return slot, nil
	default:
		return "", fmt.Errorf("%w: slot %q", ErrInvalidReservationState, raw)
	}
}

// PaymentStatus is the normalized processor status of a payment.
type PaymentStatus string

const (
	PaymentApproved PaymentStatus = "approved"
	PaymentPending  PaymentStatus = "pending"
	PaymentRejected PaymentStatus = "rejected"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentUnknown  PaymentStatus = "unknown"
)

// String returns the status value.
func (status PaymentStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the status ends the payment's lifecycle on the processor side.
func (status PaymentStatus) IsTerminal() bool {
	return status == PaymentApproved || status == PaymentRejected || status == PaymentRefunded
}

// NormalizePaymentStatus maps a raw processor status onto the engine's vocabulary.
func NormalizePaymentStatus(raw string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return PaymentApproved
	case "pending", "in_process", "authorized", "in_mediation":
		return PaymentPending
	case "rejected", "cancelled":
		return PaymentRejected
	case "refunded", "charged_back":
		return PaymentRefunded
	default:
		return PaymentUnknown
	}
}

// Reservation represents a stored reservation record.
type Reservation struct {
	ID                ReservationID
	StudentID         UserID
	TeacherID         UserID
	ServiceRef        string
	GrossPrice        AmountMinor
	Currency          Currency
	Tier              Tier
	PayerEmail        string
	WindowStart       time.Time
	WindowEnd         time.Time
	ExternalReference string
	CheckoutURL       string
	PaymentID         string
	State             ReservationState
	SlotState         SlotState
	Commission        AmountMinor
	NetPayout         AmountMinor
	LastEventID       string
	LastPendingAt     time.Time
	StateChangedAt    time.Time
	CreatedAt         time.Time
	Version           int64
}

// ReservationDraft carries the caller-supplied fields of a new reservation.
type ReservationDraft struct {
	StudentID   string
	TeacherID   string
	ServiceRef  string
	GrossPrice  int64
	Currency    string
	Tier        string
	PayerEmail  string
	WindowStart time.Time
	WindowEnd   time.Time
}

// VerifiedPayment is the authoritative payment record returned by the processor lookup.
type VerifiedPayment struct {
	PaymentID          PaymentID
	Status             PaymentStatus
	RawStatus          string
	Amount             AmountMinor
	Currency           Currency
	ExternalReference  string
	ProcessorTimestamp time.Time
}

// LedgerKey identifies one terminal application of a payment outcome.
type LedgerKey struct {
	Subject string
	Status  string
}

// NewLedgerKey builds the dedup key for a processor payment outcome.
func NewLedgerKey(paymentID PaymentID, status PaymentStatus) LedgerKey {
	return LedgerKey{Subject: paymentID.String(), Status: status.String()}
}

// expiryLedgerKey builds the dedup key used by the expiry path, which has no payment id.
func expiryLedgerKey(reservationID ReservationID) LedgerKey {
	return LedgerKey{Subject: expiryLedgerPrefix + ledgerKeyDelimiter + reservationID.String(), Status: StateExpired.String()}
}

// String returns the composite key.
func (key LedgerKey) String() string {
	return key.Subject + ledgerKeyDelimiter + key.Status
}

// LedgerEntry is a processed-event ledger row.
type LedgerEntry struct {
	Key           LedgerKey
	ReservationID ReservationID
	Outcome       ReservationState
	PayloadJSON   string
	ProcessedAt   time.Time
}

// CommissionEntryType enumerates commission ledger entry kinds.
type CommissionEntryType string

const (
	CommissionCharge   CommissionEntryType = "commission"
	CommissionReversal CommissionEntryType = "commission_reversal"
)

// String returns the entry type value.
func (entryType CommissionEntryType) String() string {
	return string(entryType)
}

// CommissionEntry is an append-only platform fee record. Reversals carry negated amounts.
type CommissionEntry struct {
	ReservationID  ReservationID
	Type           CommissionEntryType
	Commission     int64
	NetPayout      int64
	Currency       Currency
	IdempotencyKey string
	CreatedAt      time.Time
}

// Store is the persistence contract used by the engine.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// CreateReservation fails with ErrReservationExists when the id is taken.
	CreateReservation(ctx context.Context, reservation Reservation) error
	// GetReservation fails with ErrUnknownReservation when no reservation has the id.
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	// UpdateReservation persists reservation if its stored version still equals expectedVersion,
	// bumping the version. A stale version yields ErrVersionConflict.
	UpdateReservation(ctx context.Context, reservation Reservation, expectedVersion int64) error
	HasLedgerEntry(ctx context.Context, key LedgerKey) (bool, error)
	// InsertLedgerEntry fails with ErrDuplicateLedgerEntry when the key was already processed.
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	// InsertCommissionEntry fails with ErrDuplicateCommission when the idempotency key exists.
	InsertCommissionEntry(ctx context.Context, entry CommissionEntry) error
	ListCommissionEntries(ctx context.Context, reservationID ReservationID) ([]CommissionEntry, error)
	// ListStaleReservations returns up to limit reservations in states whose state changed before
	// changedBefore, oldest first.
	ListStaleReservations(ctx context.Context, states []ReservationState, changedBefore time.Time, limit int) ([]Reservation, error)
}
