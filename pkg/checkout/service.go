package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service is the reservation state machine. Every state change commits atomically with its
// processed-event ledger row, its commission entry, and its slot decision.
type Service struct {
	store           Store
	nowFn           func() time.Time
	rates           CommissionRates
	logger          OperationLogger
	publisher       EventPublisher
	alerter         Alerter
	refunder        Refunder
	slotKeeper      SlotKeeper
	conflictRetries int
}

// TransitionResult reports the outcome of one transition attempt.
type TransitionResult struct {
	ReservationID ReservationID
	From          ReservationState
	To            ReservationState
	Applied       bool
	Duplicate     bool
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, rates CommissionRates, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := rates.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidServiceConfig, err)
	}
	service := &Service{store: store, nowFn: now, rates: rates, conflictRetries: defaultConflictRetries}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Rates returns the configured commission rates.
func (service *Service) Rates() CommissionRates {
	return service.rates
}

// OpenReservation validates draft and stores it as PENDING_PAYMENT holding its slot.
func (service *Service) OpenReservation(ctx context.Context, draft ReservationDraft) (Reservation, error) {
	reservation, err := service.newReservation(draft)
	if err == nil {
		err = service.store.CreateReservation(ctx, reservation)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationOpen,
		ReservationID: reservation.ID,
		To:            reservation.State,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// GetReservation returns the stored reservation.
func (service *Service) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	return service.store.GetReservation(ctx, reservationID)
}

// Apply moves a reservation according to a verified payment.
// pending and unknown statuses only record the payment id and last_pending_at.
// Terminal reservations ignore everything except a refund of a PAID reservation.
// An amount or currency mismatch quarantines the reservation and fails with ErrAmountMismatch.
func (service *Service) Apply(ctx context.Context, payment VerifiedPayment) (TransitionResult, error) {
	reservationID, err := NewReservationID(payment.ExternalReference)
	if err != nil {
		err = WrapError(operationApply, "reservation", "lookup", fmt.Errorf("%w: payment %s carries no external reference", ErrUnknownReservation, payment.PaymentID))
		service.raise(ctx, err, "", payment.PaymentID.String(), nil)
		service.logOperation(ctx, OperationLog{
			Operation:     operationApply,
			PaymentID:     payment.PaymentID.String(),
			PaymentStatus: payment.Status,
			Error:         err,
		})
		return TransitionResult{}, err
	}
	if !payment.Status.IsTerminal() {
		return service.notePending(ctx, reservationID, payment)
	}

	key := NewLedgerKey(payment.PaymentID, payment.Status)
	result, plan, err := service.transition(ctx, reservationID, key, paymentPayload(payment), func(reservation Reservation) (transitionPlan, error) {
		return service.planPayment(reservation, payment, key)
	})
	if err != nil && errors.Is(err, ErrUnknownReservation) {
		err = WrapError(operationApply, "reservation", "lookup", err)
		service.raise(ctx, err, reservationID.String(), payment.PaymentID.String(), nil)
	}
	if err == nil {
		service.afterCommit(ctx, result, plan)
		if plan.mismatch != nil {
			err = WrapError(operationApply, "payment", "amount_mismatch", plan.mismatch)
			service.raise(ctx, err, reservationID.String(), payment.PaymentID.String(), nil)
		}
		if plan.late {
			service.raise(ctx, nil, reservationID.String(), payment.PaymentID.String(), &Alert{
				Kind:   AlertLatePayment,
				Detail: fmt.Sprintf("%s payment for %s reservation", payment.Status, result.From),
			})
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationApply,
		ReservationID: reservationID,
		PaymentID:     payment.PaymentID.String(),
		PaymentStatus: payment.Status,
		From:          result.From,
		To:            result.To,
		Status:        resultStatus(result, err),
		Error:         err,
	})
	return result, err
}

// Expire moves an open reservation to EXPIRED and releases its slot. Other states are left untouched.
func (service *Service) Expire(ctx context.Context, reservationID ReservationID) (TransitionResult, error) {
	key := expiryLedgerKey(reservationID)
	result, plan, err := service.transition(ctx, reservationID, key, expiryPayload(reservationID), func(reservation Reservation) (transitionPlan, error) {
		if !reservation.State.IsOpen() {
			return transitionPlan{skip: true}, nil
		}
		next := reservation
		next.State = StateExpired
		next.SlotState = SlotReleased
		return transitionPlan{next: next}, nil
	})
	if err == nil {
		service.afterCommit(ctx, result, plan)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationExpire,
		ReservationID: reservationID,
		From:          result.From,
		To:            result.To,
		Status:        resultStatus(result, err),
		Error:         err,
	})
	return result, err
}

// Refund issues a full processor refund for a PAID reservation and applies the refunded transition.
// The processor call happens outside any transaction.
func (service *Service) Refund(ctx context.Context, reservationID ReservationID, actor UserID) (TransitionResult, error) {
	result, err := service.refund(ctx, reservationID, actor)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		ReservationID: reservationID,
		From:          result.From,
		To:            result.To,
		Status:        resultStatus(result, err),
		Error:         err,
	})
	return result, err
}

func (service *Service) refund(ctx context.Context, reservationID ReservationID, actor UserID) (TransitionResult, error) {
	result := TransitionResult{ReservationID: reservationID}
	if service.refunder == nil {
		return result, fmt.Errorf("%w: refunder dependency is nil", ErrInvalidServiceConfig)
	}
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return result, err
	}
	result.From, result.To = reservation.State, reservation.State
	if reservation.State != StatePaid {
		return result, WrapError(operationRefund, "reservation", "state", fmt.Errorf("%w: %s", ErrReservationNotRefundable, reservation.State))
	}
	paymentID, err := NewPaymentID(reservation.PaymentID)
	if err != nil {
		return result, WrapError(operationRefund, "reservation", "payment_id", fmt.Errorf("%w: no payment recorded", ErrReservationNotRefundable))
	}
	if err := service.refunder.RefundPayment(ctx, paymentID); err != nil {
		return result, WrapError(operationRefund, "payment", "processor", err)
	}
	key := NewLedgerKey(paymentID, PaymentRefunded)
	result, plan, err := service.transition(ctx, reservationID, key, refundPayload(paymentID, actor), func(current Reservation) (transitionPlan, error) {
		if current.State != StatePaid {
			return transitionPlan{skip: true}, nil
		}
		return service.planRefund(current, key), nil
	})
	if err == nil {
		service.afterCommit(ctx, result, plan)
	}
	return result, err
}

// transitionPlan is what a planner decided for the reservation it was shown.
type transitionPlan struct {
	next       Reservation
	commission *CommissionEntry
	mismatch   error
	late       bool
	skip       bool
}

func (service *Service) transition(ctx context.Context, reservationID ReservationID, key LedgerKey, payload string, planner func(Reservation) (transitionPlan, error)) (TransitionResult, transitionPlan, error) {
	for attempt := 0; attempt < service.conflictRetries; attempt++ {
		result := TransitionResult{ReservationID: reservationID}
		var plan transitionPlan
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			reservation, err := txStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			result.From, result.To = reservation.State, reservation.State
			seen, err := txStore.HasLedgerEntry(ctx, key)
			if err != nil {
				return err
			}
			if seen {
				result.Duplicate = true
				return nil
			}
			plan, err = planner(reservation)
			if err != nil {
				return err
			}
			if plan.skip {
				return nil
			}
			now := service.nowFn().UTC()
			plan.next.LastEventID = key.String()
			plan.next.StateChangedAt = now
			if err := txStore.UpdateReservation(ctx, plan.next, reservation.Version); err != nil {
				return err
			}
			if plan.commission != nil {
				plan.commission.CreatedAt = now
				if err := txStore.InsertCommissionEntry(ctx, *plan.commission); err != nil {
					return err
				}
			}
			if err := txStore.InsertLedgerEntry(ctx, LedgerEntry{
				Key:           key,
				ReservationID: reservationID,
				Outcome:       plan.next.State,
				PayloadJSON:   payload,
				ProcessedAt:   now,
			}); err != nil {
				return err
			}
			result.To = plan.next.State
			result.Applied = true
			return nil
		})
		if err == nil {
			return result, plan, nil
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDuplicateLedgerEntry) || errors.Is(err, ErrDuplicateCommission) {
			continue
		}
		return TransitionResult{ReservationID: reservationID}, transitionPlan{}, err
	}
	return TransitionResult{ReservationID: reservationID}, transitionPlan{}, WrapError(operationApply, "reservation", "conflict", ErrVersionConflict)
}

func (service *Service) planPayment(reservation Reservation, payment VerifiedPayment, key LedgerKey) (transitionPlan, error) {
	if reservation.State == StatePaid && payment.Status == PaymentRefunded {
		return service.planRefund(reservation, key), nil
	}
	if !reservation.State.IsOpen() {
		late := payment.Status == PaymentApproved && reservation.PaymentID != payment.PaymentID.String()
		return transitionPlan{skip: true, late: late}, nil
	}
	next := reservation
	next.PaymentID = payment.PaymentID.String()
	switch payment.Status {
	case PaymentApproved:
		if mismatch := checkAmount(reservation, payment); mismatch != nil {
			next.State = StateQuarantined
			return transitionPlan{next: next, mismatch: mismatch}, nil
		}
		breakdown, err := service.rates.ComputeCommission(reservation.GrossPrice, reservation.Tier)
		if err != nil {
			return transitionPlan{}, err
		}
		next.State = StatePaid
		next.SlotState = SlotLocked
		next.Commission = breakdown.Commission
		next.NetPayout = breakdown.NetPayout
		return transitionPlan{
			next: next,
			commission: &CommissionEntry{
				ReservationID:  reservation.ID,
				Type:           CommissionCharge,
				Commission:     breakdown.Commission.Int64(),
				NetPayout:      breakdown.NetPayout.Int64(),
				Currency:       reservation.Currency,
				IdempotencyKey: key.String() + ledgerKeyDelimiter + commissionKeySuffix,
			},
		}, nil
	case PaymentRejected:
		next.State = StateRejected
		next.SlotState = SlotReleased
		return transitionPlan{next: next}, nil
	default:
		// refunded before any approval was applied
		return transitionPlan{skip: true, late: true}, nil
	}
}

func (service *Service) planRefund(reservation Reservation, key LedgerKey) transitionPlan {
	next := reservation
	next.State = StateRefunded
	next.SlotState = SlotReleased
	next.Commission = 0
	next.NetPayout = 0
	return transitionPlan{
		next: next,
		commission: &CommissionEntry{
			ReservationID:  reservation.ID,
			Type:           CommissionReversal,
			Commission:     -reservation.Commission.Int64(),
			NetPayout:      -reservation.NetPayout.Int64(),
			Currency:       reservation.Currency,
			IdempotencyKey: key.String() + ledgerKeyDelimiter + commissionReversalSuffix,
		},
	}
}

func (service *Service) notePending(ctx context.Context, reservationID ReservationID, payment VerifiedPayment) (TransitionResult, error) {
	result := TransitionResult{ReservationID: reservationID}
	var err error
	for attempt := 0; attempt < service.conflictRetries; attempt++ {
		result = TransitionResult{ReservationID: reservationID}
		err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			reservation, err := txStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			result.From, result.To = reservation.State, reservation.State
			if !reservation.State.IsOpen() {
				return nil
			}
			expectedVersion := reservation.Version
			reservation.LastPendingAt = service.nowFn().UTC()
			if reservation.PaymentID == "" {
				reservation.PaymentID = payment.PaymentID.String()
			}
			return txStore.UpdateReservation(ctx, reservation, expectedVersion)
		})
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
	}
	if errors.Is(err, ErrUnknownReservation) {
		err = WrapError(operationPending, "reservation", "lookup", err)
		service.raise(ctx, err, reservationID.String(), payment.PaymentID.String(), nil)
	}
	service.logOperation(ctx, OperationLog{
		Operation:     operationPending,
		ReservationID: reservationID,
		PaymentID:     payment.PaymentID.String(),
		PaymentStatus: payment.Status,
		From:          result.From,
		To:            result.To,
		Error:         err,
	})
	return result, err
}

// afterCommit notifies collaborators of an applied transition. Failures are logged; the stored slot
// state remains the source of truth for a later replay.
func (service *Service) afterCommit(ctx context.Context, result TransitionResult, plan transitionPlan) {
	if !result.Applied {
		return
	}
	reservation := plan.next
	if service.slotKeeper != nil {
		var slotErr error
		switch reservation.SlotState {
		case SlotLocked:
			slotErr = service.slotKeeper.LockSlot(ctx, reservation)
		case SlotReleased:
			slotErr = service.slotKeeper.ReleaseSlot(ctx, reservation)
		}
		if slotErr != nil {
			service.logOperation(ctx, OperationLog{Operation: "slot", ReservationID: reservation.ID, To: reservation.State, Error: slotErr})
		}
	}
	if service.publisher != nil {
		publishErr := service.publisher.PublishTransition(ctx, TransitionEvent{
			ReservationID: reservation.ID,
			PaymentID:     reservation.PaymentID,
			From:          result.From,
			To:            result.To,
			SlotState:     reservation.SlotState,
			Commission:    reservation.Commission,
			NetPayout:     reservation.NetPayout,
			OccurredAt:    reservation.StateChangedAt,
		})
		if publishErr != nil {
			service.logOperation(ctx, OperationLog{Operation: "publish", ReservationID: reservation.ID, To: reservation.State, Error: publishErr})
		}
	}
}

// raise sends an operator alert for err, or the explicit alert when err is nil.
func (service *Service) raise(ctx context.Context, err error, reservationID string, paymentID string, explicit *Alert) {
	if service.alerter == nil {
		return
	}
	alert := Alert{}
	if explicit != nil {
		alert = *explicit
	} else {
		kind, ok := AlertKindFor(err)
		if !ok {
			return
		}
		alert.Kind = kind
		alert.Detail = err.Error()
	}
	alert.ReservationID = reservationID
	alert.PaymentID = paymentID
	alert.Err = err
	service.alerter.Alert(ctx, alert)
}

func (service *Service) newReservation(draft ReservationDraft) (Reservation, error) {
	studentID, err := NewUserID(draft.StudentID)
	if err != nil {
		return Reservation{}, err
	}
	teacherID, err := NewUserID(draft.TeacherID)
	if err != nil {
		return Reservation{}, err
	}
	grossPrice, err := NewAmountMinor(draft.GrossPrice)
	if err != nil {
		return Reservation{}, err
	}
	currency, err := NewCurrency(draft.Currency)
	if err != nil {
		return Reservation{}, err
	}
	tier, err := ParseTier(draft.Tier)
	if err != nil {
		return Reservation{}, err
	}
	serviceRef := strings.TrimSpace(draft.ServiceRef)
	if serviceRef == "" {
		return Reservation{}, fmt.Errorf("%w: service reference is required", ErrInvalidReservationDraft)
	}
	payerEmail := strings.TrimSpace(draft.PayerEmail)
	if _, err := mail.ParseAddress(payerEmail); err != nil {
		return Reservation{}, fmt.Errorf("%w: payer email %q", ErrInvalidReservationDraft, draft.PayerEmail)
	}
	if draft.WindowStart.IsZero() || !draft.WindowStart.Before(draft.WindowEnd) {
		return Reservation{}, fmt.Errorf("%w: window start must precede window end", ErrInvalidReservationDraft)
	}
	reservationID, err := NewReservationID(uuid.NewString())
	if err != nil {
		return Reservation{}, err
	}
	now := service.nowFn().UTC()
	return Reservation{
		ID:             reservationID,
		StudentID:      studentID,
		TeacherID:      teacherID,
		ServiceRef:     serviceRef,
		GrossPrice:     grossPrice,
		Currency:       currency,
		Tier:           tier,
		PayerEmail:     payerEmail,
		WindowStart:    draft.WindowStart.UTC(),
		WindowEnd:      draft.WindowEnd.UTC(),
		State:          StatePendingPayment,
		SlotState:      SlotHeld,
		StateChangedAt: now,
		CreatedAt:      now,
	}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		entry.Status = statusFor(entry.Error)
	}
	service.logger.LogOperation(ctx, entry)
}

func checkAmount(reservation Reservation, payment VerifiedPayment) error {
	if payment.Amount != reservation.GrossPrice {
		return fmt.Errorf("%w: expected %d got %d", ErrAmountMismatch, reservation.GrossPrice, payment.Amount)
	}
	if payment.Currency != reservation.Currency {
		return fmt.Errorf("%w: expected %s got %s", ErrAmountMismatch, reservation.Currency, payment.Currency)
	}
	return nil
}

func resultStatus(result TransitionResult, err error) string {
	switch {
	case err != nil:
		return operationStatusError
	case result.Duplicate:
		return operationStatusDuplicate
	case !result.Applied:
		return operationStatusIgnored
	default:
		return operationStatusOK
	}
}

type paymentRecord struct {
	PaymentID          string    `json:"payment_id"`
	Status             string    `json:"status"`
	RawStatus          string    `json:"raw_status,omitempty"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	ExternalReference  string    `json:"external_reference"`
	ProcessorTimestamp time.Time `json:"processor_timestamp"`
	Actor              string    `json:"actor,omitempty"`
}

func paymentPayload(payment VerifiedPayment) string {
	return encodePayload(paymentRecord{
		PaymentID:          payment.PaymentID.String(),
		Status:             payment.Status.String(),
		RawStatus:          payment.RawStatus,
		Amount:             payment.Amount.Int64(),
		Currency:           payment.Currency.String(),
		ExternalReference:  payment.ExternalReference,
		ProcessorTimestamp: payment.ProcessorTimestamp.UTC(),
	})
}

func refundPayload(paymentID PaymentID, actor UserID) string {
	return encodePayload(paymentRecord{PaymentID: paymentID.String(), Status: PaymentRefunded.String(), Actor: actor.String()})
}

func expiryPayload(reservationID ReservationID) string {
	return encodePayload(map[string]string{"reservation_id": reservationID.String(), "outcome": StateExpired.String()})
}

func encodePayload(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
