package checkout

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by engine operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing checkout operation.
type OperationLog struct {
	Operation     string
	ReservationID ReservationID
	PaymentID     string
	PaymentStatus PaymentStatus
	From          ReservationState
	To            ReservationState
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the sink notified after every committed transition.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithAlerter wires the operator alert channel.
func WithAlerter(alerter Alerter) ServiceOption {
	return func(service *Service) {
		service.alerter = alerter
	}
}

// WithRefunder wires the processor refund call used by the admin refund action.
func WithRefunder(refunder Refunder) ServiceOption {
	return func(service *Service) {
		service.refunder = refunder
	}
}

// WithConflictRetries overrides how many times a transition is re-run after an optimistic conflict.
func WithConflictRetries(retries int) ServiceOption {
	return func(service *Service) {
		if retries > 0 {
			service.conflictRetries = retries
		}
	}
}

// MultiLogger fans one operation log out to several loggers.
type MultiLogger []OperationLogger

// LogOperation forwards entry to every non-nil logger.
func (loggers MultiLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithSlotKeeper wires the scheduling collaborator notified of slot locks and releases.
func WithSlotKeeper(keeper SlotKeeper) ServiceOption {
	return func(service *Service) {
		service.slotKeeper = keeper
	}
}
