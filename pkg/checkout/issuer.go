package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CallbackURLs are the browser return targets and the webhook target embedded in every intent.
type CallbackURLs struct {
	Success string
	Failure string
	Pending string
	Webhook string
}

// Validate ensures every callback is an absolute URL.
func (urls CallbackURLs) Validate() error {
	for name, raw := range map[string]string{"success": urls.Success, "failure": urls.Failure, "pending": urls.Pending, "webhook": urls.Webhook} {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: %s callback url %q", ErrInvalidServiceConfig, name, raw)
		}
	}
	return nil
}

// Intent is the result of issuing a payment intent.
type Intent struct {
	ExternalReference string
	RedirectURL       string
}

// IntentIssuer creates processor preferences for pending reservations.
type IntentIssuer struct {
	store           Store
	processor       Processor
	urls            CallbackURLs
	policy          RetryPolicy
	nowFn           func() time.Time
	logger          OperationLogger
	conflictRetries int
}

// NewIntentIssuer wires an IntentIssuer.
func NewIntentIssuer(store Store, processor Processor, urls CallbackURLs, policy RetryPolicy, now func() time.Time, logger OperationLogger) (*IntentIssuer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if processor == nil {
		return nil, fmt.Errorf("%w: processor dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := urls.Validate(); err != nil {
		return nil, err
	}
	return &IntentIssuer{
		store:           store,
		processor:       processor,
		urls:            urls,
		policy:          policy,
		nowFn:           now,
		logger:          logger,
		conflictRetries: defaultConflictRetries,
	}, nil
}

// CreateIntent issues a processor preference for a PENDING_PAYMENT reservation and moves it to
// AWAITING_CONFIRMATION. A reservation that already carries a reference yields the existing intent
// together with ErrIntentAlreadyIssued.
func (issuer *IntentIssuer) CreateIntent(ctx context.Context, reservationID ReservationID) (Intent, error) {
	intent, from, to, err := issuer.createIntent(ctx, reservationID)
	status := statusFor(err)
	if errors.Is(err, ErrIntentAlreadyIssued) {
		status = operationStatusDuplicate
	}
	if issuer.logger != nil {
		issuer.logger.LogOperation(ctx, OperationLog{
			Operation:     operationIntent,
			ReservationID: reservationID,
			From:          from,
			To:            to,
			Status:        status,
			Error:         err,
		})
	}
	return intent, err
}

func (issuer *IntentIssuer) createIntent(ctx context.Context, reservationID ReservationID) (Intent, ReservationState, ReservationState, error) {
	reservation, err := issuer.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Intent{}, "", "", err
	}
	if reservation.ExternalReference != "" {
		return intentOf(reservation), reservation.State, reservation.State, ErrIntentAlreadyIssued
	}
	if reservation.State != StatePendingPayment {
		return Intent{}, reservation.State, reservation.State, WrapError(operationIntent, "reservation", "state", fmt.Errorf("%w: %s", ErrInvalidTransition, reservation.State))
	}
	request, err := issuer.buildRequest(reservation)
	if err != nil {
		return Intent{}, reservation.State, reservation.State, err
	}
	var preference Preference
	err = issuer.policy.call(ctx, func() error {
		created, createErr := issuer.processor.CreatePreference(ctx, request)
		if createErr != nil {
			return createErr
		}
		preference = created
		return nil
	})
	if err != nil {
		return Intent{}, reservation.State, reservation.State, WrapError(operationIntent, "preference", "create", fmt.Errorf("%w: %w", ErrIntentCreationFailed, err))
	}
	if strings.TrimSpace(preference.ID) == "" || strings.TrimSpace(preference.InitPoint) == "" {
		return Intent{}, reservation.State, reservation.State, WrapError(operationIntent, "preference", "empty", fmt.Errorf("%w: processor returned an empty preference", ErrIntentCreationFailed))
	}
	intent, err := issuer.recordPreference(ctx, reservationID, preference)
	if err != nil {
		return intent, reservation.State, reservation.State, err
	}
	return intent, reservation.State, StateAwaitingConfirmation, nil
}

// recordPreference writes the reference only while none is set; a concurrent issuance that won first
// is reported as ErrIntentAlreadyIssued with the winner's reference.
func (issuer *IntentIssuer) recordPreference(ctx context.Context, reservationID ReservationID, preference Preference) (Intent, error) {
	for attempt := 0; attempt < issuer.conflictRetries; attempt++ {
		var intent Intent
		alreadyIssued := false
		err := issuer.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			reservation, err := txStore.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			if reservation.ExternalReference != "" {
				intent = intentOf(reservation)
				alreadyIssued = true
				return nil
			}
			if reservation.State != StatePendingPayment {
				return WrapError(operationIntent, "reservation", "state", fmt.Errorf("%w: %s", ErrInvalidTransition, reservation.State))
			}
			expectedVersion := reservation.Version
			reservation.ExternalReference = preference.ID
			reservation.CheckoutURL = preference.InitPoint
			reservation.State = StateAwaitingConfirmation
			reservation.StateChangedAt = issuer.nowFn().UTC()
			if err := txStore.UpdateReservation(ctx, reservation, expectedVersion); err != nil {
				return err
			}
			intent = intentOf(reservation)
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Intent{}, err
		}
		if alreadyIssued {
			return intent, ErrIntentAlreadyIssued
		}
		return intent, nil
	}
	return Intent{}, WrapError(operationIntent, "reservation", "conflict", ErrVersionConflict)
}

func (issuer *IntentIssuer) buildRequest(reservation Reservation) (PreferenceRequest, error) {
	reservationID := reservation.ID.String()
	success, err := withReservationParam(issuer.urls.Success, reservationID)
	if err != nil {
		return PreferenceRequest{}, err
	}
	failure, err := withReservationParam(issuer.urls.Failure, reservationID)
	if err != nil {
		return PreferenceRequest{}, err
	}
	pending, err := withReservationParam(issuer.urls.Pending, reservationID)
	if err != nil {
		return PreferenceRequest{}, err
	}
	return PreferenceRequest{
		Title:             "Class " + reservation.ServiceRef,
		Quantity:          defaultItemQuantity,
		Currency:          reservation.Currency,
		UnitPrice:         reservation.GrossPrice,
		PayerEmail:        reservation.PayerEmail,
		BackURLs:          BackURLs{Success: success, Failure: failure, Pending: pending},
		NotificationURL:   issuer.urls.Webhook,
		ExternalReference: reservationID,
		IdempotencyKey:    reservationID,
	}, nil
}

func withReservationParam(rawURL string, reservationID string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: callback url %q", ErrInvalidServiceConfig, rawURL)
	}
	query := parsed.Query()
	query.Set(backURLReservationParam, reservationID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func intentOf(reservation Reservation) Intent {
	return Intent{ExternalReference: reservation.ExternalReference, RedirectURL: reservation.CheckoutURL}
}
