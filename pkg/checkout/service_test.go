package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, fixedClock, DefaultCommissionRates()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := NewService(newMemoryStore(), nil, DefaultCommissionRates()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
	if _, err := NewService(newMemoryStore(), fixedClock, CommissionRates{StandardBasisPoints: 20000}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for bad rates, got %v", err)
	}
}

func TestOpenReservationStoresPendingHeldReservation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	reservation, err := service.OpenReservation(context.Background(), ReservationDraft{
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		ServiceRef:  "piano-201",
		GrossPrice:  35000,
		Currency:    "brl",
		Tier:        "premium",
		PayerEmail:  "student@example.test",
		WindowStart: fixedNow.Add(time.Hour),
		WindowEnd:   fixedNow.Add(2 * time.Hour),
	})
	if err != nil {
		test.Fatalf("open reservation: %v", err)
	}
	stored := store.snapshot(test, reservation.ID)
	if stored.State != StatePendingPayment || stored.SlotState != SlotHeld {
		test.Fatalf("unexpected stored state %s/%s", stored.State, stored.SlotState)
	}
	if stored.Currency.String() != "BRL" || stored.Tier != TierPremium {
		test.Fatalf("expected normalized draft, got %+v", stored)
	}
	if stored.ExternalReference != "" {
		test.Fatalf("expected no external reference yet")
	}
}

func TestOpenReservationRejectsInvalidDrafts(test *testing.T) {
	test.Parallel()
	valid := ReservationDraft{
		StudentID:   "student-1",
		TeacherID:   "teacher-1",
		ServiceRef:  "piano-201",
		GrossPrice:  35000,
		Currency:    "BRL",
		Tier:        "STANDARD",
		PayerEmail:  "student@example.test",
		WindowStart: fixedNow.Add(time.Hour),
		WindowEnd:   fixedNow.Add(2 * time.Hour),
	}
	testCases := []struct {
		name     string
		mutate   func(draft *ReservationDraft)
		expected error
	}{
		{name: "zero price", mutate: func(draft *ReservationDraft) { draft.GrossPrice = 0 }, expected: ErrInvalidAmount},
		{name: "missing student", mutate: func(draft *ReservationDraft) { draft.StudentID = " " }, expected: ErrInvalidUserID},
		{name: "bad currency", mutate: func(draft *ReservationDraft) { draft.Currency = "R$" }, expected: ErrInvalidCurrency},
		{name: "bad tier", mutate: func(draft *ReservationDraft) { draft.Tier = "GOLD" }, expected: ErrInvalidTier},
		{name: "bad email", mutate: func(draft *ReservationDraft) { draft.PayerEmail = "nobody" }, expected: ErrInvalidReservationDraft},
		{name: "inverted window", mutate: func(draft *ReservationDraft) { draft.WindowEnd = draft.WindowStart }, expected: ErrInvalidReservationDraft},
		{name: "missing class", mutate: func(draft *ReservationDraft) { draft.ServiceRef = "" }, expected: ErrInvalidReservationDraft},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			service := mustNewService(test, newMemoryStore())
			draft := valid
			testCase.mutate(&draft)
			if _, err := service.OpenReservation(context.Background(), draft); !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestApplyApprovedPaysOnceAndRecordsCommission(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	publisher := &recorderPublisher{}
	keeper := &recorderSlotKeeper{}
	service := mustNewService(test, store, WithEventPublisher(publisher), WithSlotKeeper(keeper))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	payment := verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")

	for delivery := 0; delivery < 3; delivery++ {
		result, err := service.Apply(context.Background(), payment)
		if err != nil {
			test.Fatalf("apply delivery %d: %v", delivery, err)
		}
		if delivery == 0 && (!result.Applied || result.To != StatePaid) {
			test.Fatalf("expected first delivery to pay, got %+v", result)
		}
		if delivery > 0 && (!result.Duplicate || result.Applied) {
			test.Fatalf("expected duplicate on delivery %d, got %+v", delivery, result)
		}
	}

	stored := store.snapshot(test, seeded.ID)
	if stored.State != StatePaid || stored.SlotState != SlotLocked {
		test.Fatalf("expected PAID/LOCKED, got %s/%s", stored.State, stored.SlotState)
	}
	if stored.Commission != 7000 || stored.NetPayout != 28000 {
		test.Fatalf("expected 7000/28000, got %d/%d", stored.Commission, stored.NetPayout)
	}
	if stored.PaymentID != "pay-1" {
		test.Fatalf("expected payment id captured, got %q", stored.PaymentID)
	}
	if store.commissionCount(CommissionCharge) != 1 || store.ledgerCount() != 1 {
		test.Fatalf("expected one commission and ledger entry, got %d/%d", store.commissionCount(CommissionCharge), store.ledgerCount())
	}
	if len(publisher.events) != 1 || publisher.events[0].To != StatePaid {
		test.Fatalf("expected one PAID event, got %+v", publisher.events)
	}
	if len(keeper.locked) != 1 {
		test.Fatalf("expected one slot lock, got %d", len(keeper.locked))
	}
}

func TestApplyRejectedReleasesSlot(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	keeper := &recorderSlotKeeper{}
	service := mustNewService(test, store, WithSlotKeeper(keeper))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)

	result, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", PaymentRejected, 35000, "res-1"))
	if err != nil {
		test.Fatalf("apply rejected: %v", err)
	}
	if result.To != StateRejected {
		test.Fatalf("expected REJECTED, got %s", result.To)
	}
	stored := store.snapshot(test, seeded.ID)
	if stored.SlotState != SlotReleased || stored.Commission != 0 {
		test.Fatalf("unexpected rejected reservation %+v", stored)
	}
	if len(keeper.released) != 1 {
		test.Fatalf("expected slot release, got %d", len(keeper.released))
	}
}

func TestApplyNeverLeavesTerminalStates(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		state  ReservationState
		status PaymentStatus
	}{
		{name: "paid ignores rejected", state: StatePaid, status: PaymentRejected},
		{name: "rejected ignores approved", state: StateRejected, status: PaymentApproved},
		{name: "expired ignores approved", state: StateExpired, status: PaymentApproved},
		{name: "refunded ignores approved", state: StateRefunded, status: PaymentApproved},
		{name: "quarantined ignores approved", state: StateQuarantined, status: PaymentApproved},
		{name: "rejected ignores refunded", state: StateRejected, status: PaymentRefunded},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newMemoryStore()
			service := mustNewService(test, store)
			seeded := seedReservation(test, store, "res-1", testCase.state)

			result, err := service.Apply(context.Background(), verifiedPayment(test, "pay-2", testCase.status, 35000, "res-1"))
			if err != nil {
				test.Fatalf("apply: %v", err)
			}
			if result.Applied || result.To != testCase.state {
				test.Fatalf("expected no-op, got %+v", result)
			}
			stored := store.snapshot(test, seeded.ID)
			if stored.State != testCase.state || stored.Version != seeded.Version {
				test.Fatalf("terminal reservation changed: %+v", stored)
			}
			if store.ledgerCount() != 0 || store.commissionCount(CommissionCharge) != 0 {
				test.Fatalf("expected no ledger or commission writes")
			}
		})
	}
}

func TestApplyLatePaymentOnExpiredReservationAlerts(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	alerter := &recorderAlerter{}
	service := mustNewService(test, store, WithAlerter(alerter))
	seedReservation(test, store, "res-1", StateExpired)

	if _, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")); err != nil {
		test.Fatalf("apply: %v", err)
	}
	kinds := alerter.kinds()
	if len(kinds) != 1 || kinds[0] != AlertLatePayment {
		test.Fatalf("expected late payment alert, got %v", kinds)
	}
}

func TestApplyAmountMismatchQuarantines(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	alerter := &recorderAlerter{}
	service := mustNewService(test, store, WithAlerter(alerter))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	payment := verifiedPayment(test, "pay-1", PaymentApproved, 100, "res-1")

	result, err := service.Apply(context.Background(), payment)
	requireErrorIs(test, err, ErrAmountMismatch)
	if result.To != StateQuarantined {
		test.Fatalf("expected QUARANTINED, got %s", result.To)
	}
	stored := store.snapshot(test, seeded.ID)
	if stored.State != StateQuarantined || stored.SlotState != SlotHeld || stored.Commission != 0 {
		test.Fatalf("unexpected quarantined reservation %+v", stored)
	}
	if store.commissionCount(CommissionCharge) != 0 {
		test.Fatalf("mismatch must not record commission")
	}
	kinds := alerter.kinds()
	if len(kinds) != 1 || kinds[0] != AlertAmountMismatch {
		test.Fatalf("expected amount mismatch alert, got %v", kinds)
	}

	redelivered, err := service.Apply(context.Background(), payment)
	if err != nil || !redelivered.Duplicate {
		test.Fatalf("expected duplicate redelivery, got %+v %v", redelivered, err)
	}
	if len(alerter.kinds()) != 1 {
		test.Fatalf("expected alert raised once")
	}
}

func TestApplyCurrencyMismatchQuarantines(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	payment := verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")
	payment.Currency = mustCurrency(test, "USD")

	result, err := service.Apply(context.Background(), payment)
	requireErrorIs(test, err, ErrAmountMismatch)
	if result.To != StateQuarantined {
		test.Fatalf("expected QUARANTINED, got %s", result.To)
	}
}

func TestApplyPendingRecordsPaymentWithoutTransition(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)

	for _, status := range []PaymentStatus{PaymentPending, PaymentUnknown} {
		result, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", status, 35000, "res-1"))
		if err != nil {
			test.Fatalf("apply %s: %v", status, err)
		}
		if result.Applied || result.To != StateAwaitingConfirmation {
			test.Fatalf("expected no transition for %s, got %+v", status, result)
		}
	}
	stored := store.snapshot(test, seeded.ID)
	if stored.PaymentID != "pay-1" || !stored.LastPendingAt.Equal(fixedNow) {
		test.Fatalf("expected pending tracking, got %+v", stored)
	}
	if !stored.StateChangedAt.Equal(seeded.StateChangedAt) {
		test.Fatalf("pending must not touch state_changed_at")
	}
	if store.ledgerCount() != 0 {
		test.Fatalf("pending must not write the ledger")
	}
}

func TestApplyPendingThenApprovedPays(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	ctx := context.Background()

	if _, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentPending, 35000, "res-1")); err != nil {
		test.Fatalf("apply pending: %v", err)
	}
	if _, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")); err != nil {
		test.Fatalf("apply approved: %v", err)
	}
	if store.snapshot(test, seeded.ID).State != StatePaid {
		test.Fatalf("expected PAID after approval")
	}
}

func TestApplyOnPendingPaymentReservationIsAccepted(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seedReservation(test, store, "res-1", StatePendingPayment)

	result, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1"))
	if err != nil {
		test.Fatalf("apply: %v", err)
	}
	if result.From != StatePendingPayment || result.To != StatePaid {
		test.Fatalf("expected PENDING_PAYMENT -> PAID, got %+v", result)
	}
}

func TestApplyUnknownReservationAlerts(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		reference string
	}{
		{name: "missing reference", reference: ""},
		{name: "unknown reference", reference: "does-not-exist"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			alerter := &recorderAlerter{}
			service := mustNewService(test, newMemoryStore(), WithAlerter(alerter))
			_, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", PaymentApproved, 35000, testCase.reference))
			requireErrorIs(test, err, ErrUnknownReservation)
			if !RequiresOperator(err) {
				test.Fatalf("expected operator-class error")
			}
			kinds := alerter.kinds()
			if len(kinds) != 1 || kinds[0] != AlertUnknownReservation {
				test.Fatalf("expected unknown reservation alert, got %v", kinds)
			}
		})
	}
}

func TestApplyRefundedAfterPaidReversesCommission(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	ctx := context.Background()

	if _, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")); err != nil {
		test.Fatalf("apply approved: %v", err)
	}
	result, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentRefunded, 35000, "res-1"))
	if err != nil {
		test.Fatalf("apply refunded: %v", err)
	}
	if result.From != StatePaid || result.To != StateRefunded {
		test.Fatalf("expected PAID -> REFUNDED, got %+v", result)
	}
	stored := store.snapshot(test, seeded.ID)
	if stored.Commission != 0 || stored.NetPayout != 0 || stored.SlotState != SlotReleased {
		test.Fatalf("expected cleared commission and released slot, got %+v", stored)
	}
	entries, err := store.ListCommissionEntries(ctx, seeded.ID)
	if err != nil {
		test.Fatalf("list commission: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected charge and reversal, got %d", len(entries))
	}
	var commissionSum, netSum int64
	for _, entry := range entries {
		commissionSum += entry.Commission
		netSum += entry.NetPayout
	}
	if commissionSum != 0 || netSum != 0 {
		test.Fatalf("expected reversal to cancel charge, got %d/%d", commissionSum, netSum)
	}
}

func TestExpireMovesOpenReservationsOnce(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	keeper := &recorderSlotKeeper{}
	service := mustNewService(test, store, WithSlotKeeper(keeper))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	ctx := context.Background()

	result, err := service.Expire(ctx, seeded.ID)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if !result.Applied || result.To != StateExpired {
		test.Fatalf("expected EXPIRED, got %+v", result)
	}
	again, err := service.Expire(ctx, seeded.ID)
	if err != nil || !again.Duplicate {
		test.Fatalf("expected duplicate expiry, got %+v %v", again, err)
	}
	if store.snapshot(test, seeded.ID).SlotState != SlotReleased || len(keeper.released) != 1 {
		test.Fatalf("expected one slot release")
	}

	late, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1"))
	if err != nil {
		test.Fatalf("late approval: %v", err)
	}
	if late.Applied || store.snapshot(test, seeded.ID).State != StateExpired {
		test.Fatalf("late approval must not revive an expired reservation")
	}
}

func TestExpireIgnoresPaidReservation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	service := mustNewService(test, store)
	seeded := seedReservation(test, store, "res-1", StatePaid)

	result, err := service.Expire(context.Background(), seeded.ID)
	if err != nil {
		test.Fatalf("expire: %v", err)
	}
	if result.Applied || store.snapshot(test, seeded.ID).State != StatePaid {
		test.Fatalf("expected PAID reservation untouched, got %+v", result)
	}
}

func TestConcurrentApproveAndExpireReachOneOutcome(test *testing.T) {
	test.Parallel()
	for iteration := 0; iteration < 50; iteration++ {
		store := newMemoryStore()
		service := mustNewService(test, store, WithConflictRetries(10))
		seeded := seedReservation(test, store, "res-race", StateAwaitingConfirmation)
		ctx := context.Background()
		approved := verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-race")

		var waitGroup sync.WaitGroup
		errs := make(chan error, 3)
		waitGroup.Add(3)
		go func() {
			defer waitGroup.Done()
			_, err := service.Apply(ctx, approved)
			errs <- err
		}()
		go func() {
			defer waitGroup.Done()
			_, err := service.Apply(ctx, approved)
			errs <- err
		}()
		go func() {
			defer waitGroup.Done()
			_, err := service.Expire(ctx, seeded.ID)
			errs <- err
		}()
		waitGroup.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				test.Fatalf("iteration %d: %v", iteration, err)
			}
		}

		stored := store.snapshot(test, seeded.ID)
		switch stored.State {
		case StatePaid:
			if store.commissionCount(CommissionCharge) != 1 || stored.SlotState != SlotLocked {
				test.Fatalf("iteration %d: inconsistent PAID reservation %+v", iteration, stored)
			}
		case StateExpired:
			if store.commissionCount(CommissionCharge) != 0 || stored.SlotState != SlotReleased {
				test.Fatalf("iteration %d: inconsistent EXPIRED reservation %+v", iteration, stored)
			}
		default:
			test.Fatalf("iteration %d: unexpected state %s", iteration, stored.State)
		}
		if store.ledgerCount() != 1 {
			test.Fatalf("iteration %d: expected one ledger entry, got %d", iteration, store.ledgerCount())
		}
	}
}

func TestRefundRequiresPaidReservation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	processor := newFakeProcessor()
	service := mustNewService(test, store, WithRefunder(processor))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	actor := mustUserID(test, "admin-1")

	_, err := service.Refund(context.Background(), seeded.ID, actor)
	requireErrorIs(test, err, ErrReservationNotRefundable)
	if len(processor.refunded) != 0 {
		test.Fatalf("processor must not be called for unpaid reservation")
	}
}

func TestRefundCallsProcessorAndReversesCommission(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	processor := newFakeProcessor()
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithRefunder(processor), WithOperationLogger(logger))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	ctx := context.Background()
	actor := mustUserID(test, "admin-1")

	if _, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")); err != nil {
		test.Fatalf("apply approved: %v", err)
	}
	result, err := service.Refund(ctx, seeded.ID, actor)
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if result.To != StateRefunded || len(processor.refunded) != 1 || processor.refunded[0].String() != "pay-1" {
		test.Fatalf("unexpected refund outcome %+v %v", result, processor.refunded)
	}
	if store.commissionCount(CommissionReversal) != 1 {
		test.Fatalf("expected reversal entry")
	}
	entry := logger.last(test)
	if entry.Operation != operationRefund || entry.Status != operationStatusOK {
		test.Fatalf("unexpected refund log %+v", entry)
	}

	webhook, err := service.Apply(ctx, verifiedPayment(test, "pay-1", PaymentRefunded, 35000, "res-1"))
	if err != nil || !webhook.Duplicate {
		test.Fatalf("expected refunded webhook to be a duplicate, got %+v %v", webhook, err)
	}
	if _, err := service.Refund(ctx, seeded.ID, actor); !errors.Is(err, ErrReservationNotRefundable) {
		test.Fatalf("expected second refund rejected, got %v", err)
	}
}

func TestRefundProcessorFailureKeepsPaid(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	processor := newFakeProcessor()
	processor.refundErr = ErrProcessorUnavailable
	service := mustNewService(test, store, WithRefunder(processor))
	seeded := seedReservation(test, store, "res-1", StatePaid)
	store.mu.Lock()
	paid := store.reservations[seeded.ID]
	paid.PaymentID = "pay-1"
	store.reservations[seeded.ID] = paid
	store.mu.Unlock()

	_, err := service.Refund(context.Background(), seeded.ID, mustUserID(test, "admin-1"))
	requireErrorIs(test, err, ErrProcessorUnavailable)
	if store.snapshot(test, seeded.ID).State != StatePaid {
		test.Fatalf("failed refund must keep PAID")
	}
}

func TestRefundWithoutRefunderIsMisconfigured(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newMemoryStore())
	_, err := service.Refund(context.Background(), mustReservationID(test, "res-1"), mustUserID(test, "admin-1"))
	requireErrorIs(test, err, ErrInvalidServiceConfig)
}

func TestApplyLogsOperationStatuses(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	seedReservation(test, store, "res-1", StateAwaitingConfirmation)
	payment := verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")
	ctx := context.Background()

	if _, err := service.Apply(ctx, payment); err != nil {
		test.Fatalf("apply: %v", err)
	}
	first := logger.last(test)
	if first.Operation != operationApply || first.Status != operationStatusOK || first.From != StateAwaitingConfirmation || first.To != StatePaid {
		test.Fatalf("unexpected first log %+v", first)
	}
	if _, err := service.Apply(ctx, payment); err != nil {
		test.Fatalf("apply again: %v", err)
	}
	if logger.last(test).Status != operationStatusDuplicate {
		test.Fatalf("expected duplicate status")
	}
}

func TestPublisherFailureDoesNotFailTransition(test *testing.T) {
	test.Parallel()
	store := newMemoryStore()
	publisher := &recorderPublisher{err: errors.New("broker down")}
	service := mustNewService(test, store, WithEventPublisher(publisher))
	seeded := seedReservation(test, store, "res-1", StateAwaitingConfirmation)

	if _, err := service.Apply(context.Background(), verifiedPayment(test, "pay-1", PaymentApproved, 35000, "res-1")); err != nil {
		test.Fatalf("apply: %v", err)
	}
	if store.snapshot(test, seeded.ID).State != StatePaid {
		test.Fatalf("expected transition committed despite publisher failure")
	}
}
