package obs

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OperationLogger writes checkout operation logs through zap. Failures log at error level,
// everything else at info.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// LogOperation implements checkout.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry checkout.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID))
	}
	if entry.PaymentStatus != "" {
		fields = append(fields, zap.String("payment_status", entry.PaymentStatus.String()))
	}
	if entry.From != "" || entry.To != "" {
		fields = append(fields, zap.String("from", entry.From.String()), zap.String("to", entry.To.String()))
	}
	fields = append(fields, traceFields(ctx)...)
	if entry.Error != nil {
		if code, ok := errorCode(entry.Error); ok {
			fields = append(fields, zap.String("code", code))
		}
		operationLogger.logger.Error("checkout operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("checkout operation", fields...)
}

// Alerter logs operator alerts at error level.
type Alerter struct {
	logger *zap.Logger
}

// NewAlerter wraps logger.
func NewAlerter(logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{logger: logger}
}

// Alert implements checkout.Alerter.
func (alerter *Alerter) Alert(ctx context.Context, alert checkout.Alert) {
	fields := []zap.Field{
		zap.String("alert_kind", string(alert.Kind)),
		zap.String("reservation_id", alert.ReservationID),
		zap.String("payment_id", alert.PaymentID),
	}
	if alert.Detail != "" {
		fields = append(fields, zap.String("detail", alert.Detail))
	}
	if alert.Err != nil {
		fields = append(fields, zap.Error(alert.Err))
	}
	alerter.logger.Error("operator alert", append(fields, traceFields(ctx)...)...)
}

// MultiAlerter fans an alert out to several channels.
type MultiAlerter []checkout.Alerter

// Alert forwards alert to every non-nil alerter.
func (alerters MultiAlerter) Alert(ctx context.Context, alert checkout.Alert) {
	for _, alerter := range alerters {
		if alerter != nil {
			alerter.Alert(ctx, alert)
		}
	}
}

func traceFields(ctx context.Context) []zap.Field {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
	}
}

func errorCode(err error) (string, bool) {
	var operationError checkout.OperationError
	if !errors.As(err, &operationError) {
		return "", false
	}
	return operationError.Operation() + "." + operationError.Subject() + "." + operationError.Code(), true
}
