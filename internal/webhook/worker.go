package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/MarkoPoloResearchLab/tutorpay/internal/webhook"

// StatusFetcher returns the processor's authoritative record of a payment.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, paymentID checkout.PaymentID) (checkout.VerifiedPayment, error)
}

// Applier feeds a verified payment into the reservation state machine.
type Applier interface {
	Apply(ctx context.Context, payment checkout.VerifiedPayment) (checkout.TransitionResult, error)
}

// Worker verifies a notification against the processor and applies the verified status.
type Worker struct {
	fetcher  StatusFetcher
	applier  Applier
	throttle Throttle
	alerter  checkout.Alerter
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithThrottle installs a notification throttle.
func WithThrottle(throttle Throttle) WorkerOption {
	return func(worker *Worker) {
		if throttle != nil {
			worker.throttle = throttle
		}
	}
}

// WithAlerter wires the operator alert channel for verifier failures.
func WithAlerter(alerter checkout.Alerter) WorkerOption {
	return func(worker *Worker) {
		worker.alerter = alerter
	}
}

// WithRecorder wires an outcome recorder.
func WithRecorder(recorder Recorder) WorkerOption {
	return func(worker *Worker) {
		if recorder != nil {
			worker.recorder = recorder
		}
	}
}

// NewWorker wires a Worker.
func NewWorker(fetcher StatusFetcher, applier Applier, logger *zap.Logger, options ...WorkerOption) (*Worker, error) {
	if fetcher == nil || applier == nil {
		return nil, fmt.Errorf("%w: worker needs a fetcher and an applier", ErrNilDependency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	worker := &Worker{
		fetcher:  fetcher,
		applier:  applier,
		throttle: NoThrottle{},
		logger:   logger,
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, option := range options {
		if option != nil {
			option(worker)
		}
	}
	return worker, nil
}

// HandleNotification returns an error only when redelivery could help. Operator-class failures are
// alerted and swallowed so the transport stops redelivering.
func (worker *Worker) HandleNotification(ctx context.Context, notification Notification) error {
	ctx, span := worker.tracer.Start(ctx, "webhook.HandleNotification", trace.WithAttributes(
		attribute.String("checkout.payment_id", notification.PaymentID.String()),
		attribute.String("webhook.action", notification.Action),
	))
	defer span.End()

	key := notification.ThrottleKey()
	allowed, err := worker.throttle.Allow(ctx, key)
	if err != nil {
		worker.logger.Warn("throttle unavailable", zap.Error(err))
	}
	if !allowed {
		worker.recorder.ObserveNotification(OutcomeThrottled)
		return nil
	}

	status, err := worker.process(ctx, notification)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "notification failed")
	}
	if err != nil && checkout.IsRetryable(err) {
		worker.release(ctx, key)
		worker.recorder.ObserveNotification(OutcomeRetry)
		return err
	}
	if err != nil {
		worker.recorder.ObserveNotification(OutcomeDropped)
		return nil
	}
	// A non-final status keeps the key open for the next status change of the same payment.
	if !status.IsTerminal() {
		worker.release(ctx, key)
	}
	return nil
}

func (worker *Worker) release(ctx context.Context, key string) {
	if err := worker.throttle.Release(ctx, key); err != nil {
		worker.logger.Warn("throttle release failed", zap.Error(err))
	}
}

func (worker *Worker) process(ctx context.Context, notification Notification) (checkout.PaymentStatus, error) {
	fields := []zap.Field{
		zap.String("payment_id", notification.PaymentID.String()),
		zap.String("action", notification.Action),
		zap.Bool("signature_valid", notification.SignatureValid),
	}
	payment, err := worker.fetcher.FetchStatus(ctx, notification.PaymentID)
	if err != nil {
		worker.logger.Error("payment verification failed", append(fields, zap.Error(err))...)
		worker.alert(ctx, err, notification)
		return checkout.PaymentUnknown, err
	}
	fields = append(fields,
		zap.String("reservation_id", payment.ExternalReference),
		zap.String("payment_status", payment.Status.String()),
	)

	result, err := worker.applier.Apply(ctx, payment)
	if err != nil {
		worker.logger.Error("verified payment not applied", append(fields, zap.Error(err))...)
		return payment.Status, err
	}
	outcome := OutcomeApplied
	if result.Duplicate || !result.Applied {
		outcome = OutcomeDuplicate
	}
	worker.recorder.ObserveNotification(outcome)
	worker.logger.Info("verified payment processed", append(fields,
		zap.String("from", result.From.String()),
		zap.String("to", result.To.String()),
		zap.Bool("applied", result.Applied),
		zap.Bool("duplicate", result.Duplicate),
	)...)
	return payment.Status, nil
}

// alert raises verifier failures. State machine failures are alerted by the state machine itself.
func (worker *Worker) alert(ctx context.Context, err error, notification Notification) {
	if worker.alerter == nil {
		return
	}
	kind, ok := checkout.AlertKindFor(err)
	if !ok {
		return
	}
	if !errors.Is(err, checkout.ErrPaymentNotFound) && !errors.Is(err, checkout.ErrVerifierUnavailable) {
		return
	}
	worker.alerter.Alert(ctx, checkout.Alert{
		Kind:      kind,
		PaymentID: notification.PaymentID.String(),
		Detail:    "notification " + notification.Action,
		Err:       err,
	})
}
