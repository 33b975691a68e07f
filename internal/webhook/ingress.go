package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Notification outcomes reported to the Recorder.
const (
	OutcomeAccepted      = "accepted"
	OutcomeIgnored       = "ignored"
	OutcomeMalformed     = "malformed"
	OutcomeUnsigned      = "unauthenticated"
	OutcomeDispatchError = "dispatch_failed"
	OutcomeThrottled     = "throttled"
	OutcomeApplied       = "applied"
	OutcomeDuplicate     = "duplicate"
	OutcomeRetry         = "retry"
	OutcomeDropped       = "dropped"
)

var (
	ErrDispatchFailed = errors.New("notification dispatch failed")
	ErrInvalidIngress = errors.New("invalid ingress config")
)

// Recorder counts notification outcomes.
type Recorder interface {
	ObserveNotification(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveNotification(string) {}

// IngressConfig configures the webhook ingress.
type IngressConfig struct {
	Signatures       SignatureVerifier
	RequireSignature bool
	Now              func() time.Time
	Logger           *zap.Logger
	Recorder         Recorder
}

// Ingress authenticates and normalizes inbound notifications, then hands them to a Dispatcher.
// It never reads a payment status from the payload.
type Ingress struct {
	dispatcher       Dispatcher
	signatures       SignatureVerifier
	requireSignature bool
	nowFn            func() time.Time
	logger           *zap.Logger
	recorder         Recorder
}

// Receipt describes how a notification was handled.
type Receipt struct {
	Notification Notification
	Accepted     bool
	Ignored      bool
}

// NewIngress wires an Ingress.
func NewIngress(dispatcher Dispatcher, config IngressConfig) (*Ingress, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("%w: dispatcher is nil", ErrInvalidIngress)
	}
	if config.RequireSignature && !config.Signatures.Configured() {
		return nil, fmt.Errorf("%w: signature required but no secret configured", ErrInvalidIngress)
	}
	ingress := &Ingress{
		dispatcher:       dispatcher,
		signatures:       config.Signatures,
		requireSignature: config.RequireSignature,
		nowFn:            config.Now,
		logger:           config.Logger,
		recorder:         config.Recorder,
	}
	if ingress.nowFn == nil {
		ingress.nowFn = time.Now
	}
	if ingress.logger == nil {
		ingress.logger = zap.NewNop()
	}
	if ingress.recorder == nil {
		ingress.recorder = nopRecorder{}
	}
	return ingress, nil
}

// Receive validates one delivery. It fails with checkout.ErrMalformedPayload for unusable payloads,
// ErrInvalidSignature or ErrMissingSignature for unauthenticated ones when signatures are required,
// and ErrDispatchFailed when the notification could not be queued. Non-payment topics are ignored.
func (ingress *Ingress) Receive(ctx context.Context, body []byte, query url.Values, headers http.Header) (Receipt, error) {
	notification, err := ParseNotification(body, query)
	if errors.Is(err, ErrIgnoredTopic) {
		ingress.recorder.ObserveNotification(OutcomeIgnored)
		ingress.logger.Debug("webhook topic ignored", zap.String("topic", notification.Topic))
		return Receipt{Notification: notification, Ignored: true}, nil
	}
	if err != nil {
		ingress.recorder.ObserveNotification(OutcomeMalformed)
		ingress.logger.Warn("webhook payload rejected", zap.Error(err))
		return Receipt{}, err
	}
	notification.ReceivedAt = ingress.nowFn().UTC()
	notification.RequestID = headers.Get(HeaderRequestID)

	if ingress.signatures.Configured() {
		dataID := query.Get(queryDataID)
		if dataID == "" {
			dataID = notification.PaymentID.String()
		}
		signatureErr := ingress.signatures.Verify(headers.Get(HeaderSignature), notification.RequestID, dataID)
		notification.SignatureValid = signatureErr == nil
		if signatureErr != nil {
			if ingress.requireSignature {
				ingress.recorder.ObserveNotification(OutcomeUnsigned)
				ingress.logger.Warn("webhook signature rejected",
					zap.String("payment_id", notification.PaymentID.String()),
					zap.Error(signatureErr),
				)
				return Receipt{Notification: notification}, signatureErr
			}
			ingress.logger.Info("webhook signature invalid, continuing with verification",
				zap.String("payment_id", notification.PaymentID.String()),
				zap.Error(signatureErr),
			)
		}
	}

	if err := ingress.dispatcher.Dispatch(ctx, notification); err != nil {
		ingress.recorder.ObserveNotification(OutcomeDispatchError)
		ingress.logger.Error("webhook dispatch failed",
			zap.String("payment_id", notification.PaymentID.String()),
			zap.Error(err),
		)
		return Receipt{Notification: notification}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	ingress.recorder.ObserveNotification(OutcomeAccepted)
	return Receipt{Notification: notification, Accepted: true}, nil
}
