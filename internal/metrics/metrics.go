package metrics

import (
	"context"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tutorpay"

// Collector is a prometheus.Collector for the checkout engine. It doubles as an
// OperationLogger, a notification Recorder, and an Alerter decorator.
type Collector struct {
	operations    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Checkout operations by operation and outcome status.",
			}, []string{"operation", "status"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reservation_transitions_total",
				Help:      "Committed reservation state transitions.",
			}, []string{"from", "to"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "webhook_notifications_total",
				Help:      "Inbound processor notifications by outcome.",
			}, []string{"outcome"},
		),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operator_alerts_total",
				Help:      "Operator alerts raised by kind.",
			}, []string{"kind"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconcile_reservations_total",
				Help:      "Reservations handled by the reconciliation sweep by result.",
			}, []string{"result"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (collector *Collector) Describe(ch chan<- *prometheus.Desc) {
	collector.operations.Describe(ch)
	collector.transitions.Describe(ch)
	collector.notifications.Describe(ch)
	collector.alerts.Describe(ch)
	collector.sweeps.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (collector *Collector) Collect(ch chan<- prometheus.Metric) {
	collector.operations.Collect(ch)
	collector.transitions.Collect(ch)
	collector.notifications.Collect(ch)
	collector.alerts.Collect(ch)
	collector.sweeps.Collect(ch)
}

// LogOperation implements checkout.OperationLogger.
func (collector *Collector) LogOperation(_ context.Context, entry checkout.OperationLog) {
	collector.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.To != "" && entry.From != entry.To {
		collector.transitions.WithLabelValues(entry.From.String(), entry.To.String()).Inc()
	}
}

// ObserveNotification counts a webhook outcome.
func (collector *Collector) ObserveNotification(outcome string) {
	collector.notifications.WithLabelValues(outcome).Inc()
}

// ObserveSweep adds one reconciliation batch.
func (collector *Collector) ObserveSweep(applied int, expired int, failed int) {
	collector.sweeps.WithLabelValues("applied").Add(float64(applied))
	collector.sweeps.WithLabelValues("expired").Add(float64(expired))
	collector.sweeps.WithLabelValues("failed").Add(float64(failed))
}

// CountAlerts wraps next so every alert is counted before delivery.
func (collector *Collector) CountAlerts(next checkout.Alerter) checkout.Alerter {
	return countingAlerter{collector: collector, next: next}
}

type countingAlerter struct {
	collector *Collector
	next      checkout.Alerter
}

func (alerter countingAlerter) Alert(ctx context.Context, alert checkout.Alert) {
	alerter.collector.alerts.WithLabelValues(string(alert.Kind)).Inc()
	if alerter.next != nil {
		alerter.next.Alert(ctx, alert)
	}
}
