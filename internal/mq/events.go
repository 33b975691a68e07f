package mq

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"go.uber.org/zap"
)

const (
	RoutingTransitionPrefix = "reservations."
	RoutingSlotLock         = "slots.lock"
	RoutingSlotRelease      = "slots.release"
	RoutingAlert            = "payments.alert"

	transitionEventName = "reservation.transition"
	slotLockEventName   = "slot.lock"
	slotReleaseEvent    = "slot.release"
	alertEventName      = "payment.alert"
)

type transitionMessage struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ReservationID string `json:"reservation_id"`
		PaymentID     string `json:"payment_id,omitempty"`
		From          string `json:"from"`
		To            string `json:"to"`
		SlotState     string `json:"slot_state"`
		Commission    int64  `json:"commission"`
		NetPayout     int64  `json:"net_payout"`
	} `json:"data"`
}

type slotMessage struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ReservationID string `json:"reservation_id"`
		TeacherID     string `json:"teacher_id"`
		StudentID     string `json:"student_id"`
		ServiceRef    string `json:"service_ref"`
		WindowStart   string `json:"window_start"`
		WindowEnd     string `json:"window_end"`
	} `json:"data"`
}

type alertMessage struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		Kind          string `json:"kind"`
		ReservationID string `json:"reservation_id,omitempty"`
		PaymentID     string `json:"payment_id,omitempty"`
		Detail        string `json:"detail,omitempty"`
		Error         string `json:"error,omitempty"`
	} `json:"data"`
}

// EventPublisher publishes committed reservation transitions under reservations.<state>.
type EventPublisher struct {
	publisher JSONPublisher
}

// NewEventPublisher wraps publisher.
func NewEventPublisher(publisher JSONPublisher) *EventPublisher {
	return &EventPublisher{publisher: publisher}
}

// PublishTransition implements checkout.EventPublisher.
func (events *EventPublisher) PublishTransition(ctx context.Context, event checkout.TransitionEvent) error {
	message := transitionMessage{Event: transitionEventName, Version: messageVersion, OccurredAt: formatTime(event.OccurredAt)}
	message.Data.ReservationID = event.ReservationID.String()
	message.Data.PaymentID = event.PaymentID
	message.Data.From = event.From.String()
	message.Data.To = event.To.String()
	message.Data.SlotState = event.SlotState.String()
	message.Data.Commission = event.Commission.Int64()
	message.Data.NetPayout = event.NetPayout.Int64()
	return events.publisher.PublishJSON(ctx, TransitionRoutingKey(event.To), message)
}

// TransitionRoutingKey returns the routing key for transitions into state.
func TransitionRoutingKey(state checkout.ReservationState) string {
	return RoutingTransitionPrefix + strings.ToLower(state.String())
}

// SlotKeeper asks the scheduling service to lock or release a class slot.
type SlotKeeper struct {
	publisher JSONPublisher
	nowFn     func() time.Time
}

// NewSlotKeeper wraps publisher.
func NewSlotKeeper(publisher JSONPublisher, now func() time.Time) *SlotKeeper {
	if now == nil {
		now = time.Now
	}
	return &SlotKeeper{publisher: publisher, nowFn: now}
}

// LockSlot implements checkout.SlotKeeper.
func (keeper *SlotKeeper) LockSlot(ctx context.Context, reservation checkout.Reservation) error {
	return keeper.publisher.PublishJSON(ctx, RoutingSlotLock, keeper.message(slotLockEventName, reservation))
}

// ReleaseSlot implements checkout.SlotKeeper.
func (keeper *SlotKeeper) ReleaseSlot(ctx context.Context, reservation checkout.Reservation) error {
	return keeper.publisher.PublishJSON(ctx, RoutingSlotRelease, keeper.message(slotReleaseEvent, reservation))
}

func (keeper *SlotKeeper) message(event string, reservation checkout.Reservation) slotMessage {
	message := slotMessage{Event: event, Version: messageVersion, OccurredAt: formatTime(keeper.nowFn())}
	message.Data.ReservationID = reservation.ID.String()
	message.Data.TeacherID = reservation.TeacherID.String()
	message.Data.StudentID = reservation.StudentID.String()
	message.Data.ServiceRef = reservation.ServiceRef
	message.Data.WindowStart = formatTime(reservation.WindowStart)
	message.Data.WindowEnd = formatTime(reservation.WindowEnd)
	return message
}

// Alerter publishes operator alerts under payments.alert. Publish failures are logged.
type Alerter struct {
	publisher JSONPublisher
	logger    *zap.Logger
	nowFn     func() time.Time
}

// NewAlerter wraps publisher.
func NewAlerter(publisher JSONPublisher, logger *zap.Logger, now func() time.Time) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Alerter{publisher: publisher, logger: logger, nowFn: now}
}

// Alert implements checkout.Alerter.
func (alerter *Alerter) Alert(ctx context.Context, alert checkout.Alert) {
	message := alertMessage{Event: alertEventName, Version: messageVersion, OccurredAt: formatTime(alerter.nowFn())}
	message.Data.Kind = string(alert.Kind)
	message.Data.ReservationID = alert.ReservationID
	message.Data.PaymentID = alert.PaymentID
	message.Data.Detail = alert.Detail
	if alert.Err != nil {
		message.Data.Error = alert.Err.Error()
	}
	if err := alerter.publisher.PublishJSON(ctx, RoutingAlert, message); err != nil {
		alerter.logger.Error("alert publish failed",
			zap.String("kind", string(alert.Kind)),
			zap.String("reservation_id", alert.ReservationID),
			zap.String("payment_id", alert.PaymentID),
			zap.Error(errors.Join(err, alert.Err)),
		)
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
