package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
)

var fixedNow = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

func mustPaymentID(test *testing.T, raw string) checkout.PaymentID {
	test.Helper()
	paymentID, err := checkout.NewPaymentID(raw)
	if err != nil {
		test.Fatalf("payment id: %v", err)
	}
	return paymentID
}

func requireErrorIs(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}

type recordingDispatcher struct {
	mutex         sync.Mutex
	notifications []Notification
	err           error
}

func (dispatcher *recordingDispatcher) Dispatch(_ context.Context, notification Notification) error {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	if dispatcher.err != nil {
		return dispatcher.err
	}
	dispatcher.notifications = append(dispatcher.notifications, notification)
	return nil
}

func (dispatcher *recordingDispatcher) count() int {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	return len(dispatcher.notifications)
}

type countingRecorder struct {
	mutex    sync.Mutex
	outcomes map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (recorder *countingRecorder) ObserveNotification(outcome string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.outcomes[outcome]++
}

func (recorder *countingRecorder) count(outcome string) int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.outcomes[outcome]
}

type stubFetcher struct {
	mutex   sync.Mutex
	payment checkout.VerifiedPayment
	err     error
	calls   int
}

func (fetcher *stubFetcher) FetchStatus(_ context.Context, paymentID checkout.PaymentID) (checkout.VerifiedPayment, error) {
	fetcher.mutex.Lock()
	defer fetcher.mutex.Unlock()
	fetcher.calls++
	if fetcher.err != nil {
		return checkout.VerifiedPayment{}, fetcher.err
	}
	payment := fetcher.payment
	payment.PaymentID = paymentID
	return payment, nil
}

type stubApplier struct {
	mutex    sync.Mutex
	result   checkout.TransitionResult
	err      error
	payments []checkout.VerifiedPayment
}

func (applier *stubApplier) Apply(_ context.Context, payment checkout.VerifiedPayment) (checkout.TransitionResult, error) {
	applier.mutex.Lock()
	defer applier.mutex.Unlock()
	applier.payments = append(applier.payments, payment)
	return applier.result, applier.err
}

type recordingAlerter struct {
	mutex  sync.Mutex
	alerts []checkout.Alert
}

func (alerter *recordingAlerter) Alert(_ context.Context, alert checkout.Alert) {
	alerter.mutex.Lock()
	defer alerter.mutex.Unlock()
	alerter.alerts = append(alerter.alerts, alert)
}
