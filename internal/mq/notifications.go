package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/internal/webhook"
	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	RoutingNotification   = "payments.notification"
	notificationEventName = "payment.notification"
	messageVersion        = 1
	defaultConsumers      = 4
)

var ErrDeliveriesClosed = errors.New("delivery channel closed")

type notificationMessage struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		PaymentID      string `json:"payment_id"`
		Topic          string `json:"topic"`
		Action         string `json:"action"`
		RequestID      string `json:"request_id"`
		SignatureValid bool   `json:"signature_valid"`
	} `json:"data"`
}

// NotificationQueue is a webhook.Dispatcher that hands notifications to RabbitMQ, so verification
// survives a restart of the ingress.
type NotificationQueue struct {
	publisher JSONPublisher
}

// NewNotificationQueue wraps publisher.
func NewNotificationQueue(publisher JSONPublisher) *NotificationQueue {
	return &NotificationQueue{publisher: publisher}
}

// Dispatch publishes notification under RoutingNotification.
func (queue *NotificationQueue) Dispatch(ctx context.Context, notification webhook.Notification) error {
	message := notificationMessage{
		Event:      notificationEventName,
		Version:    messageVersion,
		OccurredAt: notification.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	message.Data.PaymentID = notification.PaymentID.String()
	message.Data.Topic = notification.Topic
	message.Data.Action = notification.Action
	message.Data.RequestID = notification.RequestID
	message.Data.SignatureValid = notification.SignatureValid
	return queue.publisher.PublishJSON(ctx, RoutingNotification, message)
}

// DeliverySource yields AMQP deliveries.
type DeliverySource interface {
	Deliveries(ctx context.Context) (<-chan amqp.Delivery, error)
}

// ConsumeNotifications runs workers consumers that feed deliveries into handler. Malformed messages
// are dropped, retryable handler failures are requeued, everything else is acked. It returns
// ErrDeliveriesClosed if the broker closes the channel while ctx is still live.
func ConsumeNotifications(ctx context.Context, source DeliverySource, handler webhook.Handler, workers int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = defaultConsumers
	}
	deliveries, err := source.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("consume notifications: %w", err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < workers; index++ {
		group.Go(func() error {
			for delivery := range deliveries {
				handleDelivery(groupCtx, delivery, handler, logger)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return ErrDeliveriesClosed
	}
	return nil
}

func handleDelivery(ctx context.Context, delivery amqp.Delivery, handler webhook.Handler, logger *zap.Logger) {
	notification, err := decodeNotification(delivery.Body)
	if err != nil {
		logger.Error("notification message dropped", zap.String("routing_key", delivery.RoutingKey), zap.Error(err))
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}
	if err := handler.HandleNotification(ctx, notification); err != nil && checkout.IsRetryable(err) {
		logger.Warn("notification requeued",
			zap.String("payment_id", notification.PaymentID.String()),
			zap.Error(err),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}
	if ackErr := delivery.Ack(false); ackErr != nil {
		logger.Warn("ack failed", zap.Error(ackErr))
	}
}

func decodeNotification(body []byte) (webhook.Notification, error) {
	var message notificationMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return webhook.Notification{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
	}
	if message.Event != notificationEventName {
		return webhook.Notification{}, fmt.Errorf("%w: event %q", checkout.ErrMalformedPayload, message.Event)
	}
	paymentID, err := checkout.NewPaymentID(message.Data.PaymentID)
	if err != nil {
		return webhook.Notification{}, fmt.Errorf("%w: %v", checkout.ErrMalformedPayload, err)
	}
	receivedAt, _ := time.Parse(time.RFC3339Nano, message.OccurredAt)
	return webhook.Notification{
		PaymentID:      paymentID,
		Topic:          message.Data.Topic,
		Action:         message.Data.Action,
		RequestID:      message.Data.RequestID,
		ReceivedAt:     receivedAt,
		SignatureValid: message.Data.SignatureValid,
	}, nil
}
