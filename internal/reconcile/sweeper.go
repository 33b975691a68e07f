// Package reconcile drives reservations whose notifications never arrived. It feeds the same
// state machine entry points as the webhook path.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconcileAfter = 10 * time.Minute
	defaultExpiryTimeout  = 30 * time.Minute
	defaultInterval       = time.Minute
	defaultBatchSize      = 200
	defaultConcurrency    = 8
)

var ErrInvalidSweeperConfig = errors.New("invalid sweeper config")

// Lister finds reservations that have not moved for a while.
type Lister interface {
	ListStaleReservations(ctx context.Context, states []checkout.ReservationState, changedBefore time.Time, limit int) ([]checkout.Reservation, error)
}

// Verifier queries the processor for ground truth.
type Verifier interface {
	FetchStatus(ctx context.Context, paymentID checkout.PaymentID) (checkout.VerifiedPayment, error)
	FindPayments(ctx context.Context, reservationID checkout.ReservationID) ([]checkout.VerifiedPayment, error)
}

// Engine is the state machine surface the sweep drives.
type Engine interface {
	Apply(ctx context.Context, payment checkout.VerifiedPayment) (checkout.TransitionResult, error)
	Expire(ctx context.Context, reservationID checkout.ReservationID) (checkout.TransitionResult, error)
}

// Config tunes the sweep. Zero values select defaults.
type Config struct {
	ReconcileAfter time.Duration
	ExpiryTimeout  time.Duration
	Interval       time.Duration
	BatchSize      int
	Concurrency    int
}

func (config Config) withDefaults() (Config, error) {
	if config.ReconcileAfter <= 0 {
		config.ReconcileAfter = defaultReconcileAfter
	}
	if config.ExpiryTimeout <= 0 {
		config.ExpiryTimeout = defaultExpiryTimeout
	}
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.ReconcileAfter > config.ExpiryTimeout {
		return Config{}, fmt.Errorf("%w: reconcile-after %s exceeds expiry timeout %s", ErrInvalidSweeperConfig, config.ReconcileAfter, config.ExpiryTimeout)
	}
	return config, nil
}

// Observer receives per-batch totals.
type Observer interface {
	ObserveSweep(applied int, expired int, failed int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithObserver wires a batch observer.
func WithObserver(observer Observer) SweeperOption {
	return func(sweeper *Sweeper) {
		sweeper.observer = observer
	}
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Applied int
	Expired int
	Failed  int
}

// Sweeper periodically re-verifies and expires stale open reservations.
type Sweeper struct {
	lister   Lister
	verifier Verifier
	engine   Engine
	clock    clock.Clock
	config   Config
	logger   *zap.Logger
	alerter  checkout.Alerter
	observer Observer
}

// NewSweeper wires a Sweeper. alerter may be nil.
func NewSweeper(lister Lister, verifier Verifier, engine Engine, clk clock.Clock, config Config, logger *zap.Logger, alerter checkout.Alerter, options ...SweeperOption) (*Sweeper, error) {
	if lister == nil || verifier == nil || engine == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidSweeperConfig)
	}
	resolved, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sweeper := &Sweeper{
		lister:   lister,
		verifier: verifier,
		engine:   engine,
		clock:    clk,
		config:   resolved,
		logger:   logger,
		alerter:  alerter,
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	for {
		report, err := sweeper.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			sweeper.logger.Error("reconcile sweep failed", zap.Error(err))
		} else if report.Scanned > 0 {
			sweeper.logger.Info("reconcile sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("applied", report.Applied),
				zap.Int("expired", report.Expired),
				zap.Int("failed", report.Failed),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-sweeper.clock.After(sweeper.config.Interval):
		}
	}
}

// RunOnce processes one batch of stale reservations, oldest first.
// Per-reservation failures are counted in the report and never abort the batch.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := sweeper.clock.Now()
	stale, err := sweeper.lister.ListStaleReservations(ctx,
		[]checkout.ReservationState{checkout.StatePendingPayment, checkout.StateAwaitingConfirmation},
		now.Add(-sweeper.config.ReconcileAfter),
		sweeper.config.BatchSize,
	)
	if err != nil {
		return Report{}, fmt.Errorf("list stale reservations: %w", err)
	}

	var (
		mutex  sync.Mutex
		report = Report{Scanned: len(stale)}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(sweeper.config.Concurrency)
	for _, reservation := range stale {
		group.Go(func() error {
			outcome := sweeper.reconcile(groupCtx, reservation, now)
			mutex.Lock()
			defer mutex.Unlock()
			report.Applied += outcome.applied
			if outcome.expired {
				report.Expired++
			}
			if outcome.failed {
				report.Failed++
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	if sweeper.observer != nil {
		sweeper.observer.ObserveSweep(report.Applied, report.Expired, report.Failed)
	}
	return report, nil
}

type reservationOutcome struct {
	applied int
	expired bool
	failed  bool
}

func (sweeper *Sweeper) reconcile(ctx context.Context, reservation checkout.Reservation, now time.Time) reservationOutcome {
	var outcome reservationOutcome
	fields := []zap.Field{
		zap.String("reservation_id", reservation.ID.String()),
		zap.String("state", reservation.State.String()),
	}

	payments, lookupErr := sweeper.lookup(ctx, reservation)
	if lookupErr != nil {
		outcome.failed = true
		sweeper.logger.Warn("reconcile lookup failed", append(fields, zap.Error(lookupErr))...)
		sweeper.alert(ctx, lookupErr, reservation)
	}
	terminal := false
	for _, payment := range payments {
		result, err := sweeper.engine.Apply(ctx, payment)
		switch {
		case err != nil:
			outcome.failed = true
			sweeper.logger.Warn("reconcile apply failed", append(fields, zap.String("payment_id", payment.PaymentID.String()), zap.Error(err))...)
		case result.Applied:
			outcome.applied++
		}
		if payment.Status.IsTerminal() && (err == nil || errors.Is(err, checkout.ErrAmountMismatch)) {
			terminal = true
		}
	}

	// A reservation whose payment state is unknown is never expired: it may have been paid.
	if terminal || (lookupErr != nil && !errors.Is(lookupErr, checkout.ErrPaymentNotFound)) {
		return outcome
	}
	if !expiryDue(reservation, now, sweeper.config.ExpiryTimeout) {
		return outcome
	}
	result, err := sweeper.engine.Expire(ctx, reservation.ID)
	if err != nil {
		outcome.failed = true
		sweeper.logger.Warn("reconcile expiry failed", append(fields, zap.Error(err))...)
		return outcome
	}
	outcome.expired = result.Applied
	return outcome
}

// lookup returns the reservation's processor payments with approved ones first, so a successful
// retry wins over an earlier rejected attempt.
func (sweeper *Sweeper) lookup(ctx context.Context, reservation checkout.Reservation) ([]checkout.VerifiedPayment, error) {
	var payments []checkout.VerifiedPayment
	if reservation.PaymentID != "" {
		paymentID, err := checkout.NewPaymentID(reservation.PaymentID)
		if err != nil {
			return nil, err
		}
		payment, err := sweeper.verifier.FetchStatus(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if payment.ExternalReference == "" {
			payment.ExternalReference = reservation.ID.String()
		}
		payments = append(payments, payment)
	} else {
		found, err := sweeper.verifier.FindPayments(ctx, reservation.ID)
		if err != nil {
			return nil, err
		}
		payments = found
	}
	sort.SliceStable(payments, func(left, right int) bool {
		return statusRank(payments[left].Status) < statusRank(payments[right].Status)
	})
	return payments, nil
}

func (sweeper *Sweeper) alert(ctx context.Context, err error, reservation checkout.Reservation) {
	if sweeper.alerter == nil {
		return
	}
	kind, ok := checkout.AlertKindFor(err)
	if !ok {
		return
	}
	sweeper.alerter.Alert(ctx, checkout.Alert{
		Kind:          kind,
		ReservationID: reservation.ID.String(),
		PaymentID:     reservation.PaymentID,
		Detail:        "reconcile lookup",
		Err:           err,
	})
}

func statusRank(status checkout.PaymentStatus) int {
	switch status {
	case checkout.PaymentApproved:
		return 0
	case checkout.PaymentRefunded:
		return 1
	case checkout.PaymentRejected:
		return 2
	default:
		return 3
	}
}

func expiryDue(reservation checkout.Reservation, now time.Time, timeout time.Duration) bool {
	started := reservation.CreatedAt
	if started.IsZero() {
		started = reservation.StateChangedAt
	}
	return !started.After(now.Add(-timeout))
}
