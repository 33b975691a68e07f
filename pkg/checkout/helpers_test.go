package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, time.March, 3, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

// memoryStore is an optimistic in-memory Store: transactions buffer their writes and validate
// reservation versions plus ledger and commission uniqueness at commit.
type memoryStore struct {
	mu             sync.Mutex
	reservations   map[ReservationID]Reservation
	ledger         map[LedgerKey]LedgerEntry
	commissions    []CommissionEntry
	commissionKeys map[string]struct{}
	getErr         error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		reservations:   make(map[ReservationID]Reservation),
		ledger:         make(map[LedgerKey]LedgerEntry),
		commissionKeys: make(map[string]struct{}),
	}
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := &memoryTx{
		base:         store,
		expectedBase: make(map[ReservationID]int64),
		writes:       make(map[ReservationID]Reservation),
		created:      make(map[ReservationID]struct{}),
	}
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	return transaction.commit()
}

func (store *memoryStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.CreateReservation(ctx, reservation)
	})
}

func (store *memoryStore) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	var reservation Reservation
	err := store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		var getErr error
		reservation, getErr = txStore.GetReservation(ctx, reservationID)
		return getErr
	})
	return reservation, err
}

func (store *memoryStore) UpdateReservation(ctx context.Context, reservation Reservation, expectedVersion int64) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.UpdateReservation(ctx, reservation, expectedVersion)
	})
}

func (store *memoryStore) HasLedgerEntry(_ context.Context, key LedgerKey) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.ledger[key]
	return ok, nil
}

func (store *memoryStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertLedgerEntry(ctx, entry)
	})
}

func (store *memoryStore) InsertCommissionEntry(ctx context.Context, entry CommissionEntry) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.InsertCommissionEntry(ctx, entry)
	})
}

func (store *memoryStore) ListCommissionEntries(_ context.Context, reservationID ReservationID) ([]CommissionEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []CommissionEntry
	for _, entry := range store.commissions {
		if entry.ReservationID == reservationID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (store *memoryStore) ListStaleReservations(_ context.Context, states []ReservationState, changedBefore time.Time, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var stale []Reservation
	for _, reservation := range store.reservations {
		for _, state := range states {
			if reservation.State == state && reservation.StateChangedAt.Before(changedBefore) {
				stale = append(stale, reservation)
			}
		}
	}
	sort.Slice(stale, func(left, right int) bool {
		return stale[left].StateChangedAt.Before(stale[right].StateChangedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (store *memoryStore) snapshot(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not stored", reservationID)
	}
	return reservation
}

func (store *memoryStore) ledgerCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.ledger)
}

func (store *memoryStore) commissionCount(entryType CommissionEntryType) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, entry := range store.commissions {
		if entry.Type == entryType {
			count++
		}
	}
	return count
}

type memoryTx struct {
	base         *memoryStore
	expectedBase map[ReservationID]int64
	writes       map[ReservationID]Reservation
	created      map[ReservationID]struct{}
	ledger       []LedgerEntry
	commissions  []CommissionEntry
}

func (transaction *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *memoryTx) CreateReservation(_ context.Context, reservation Reservation) error {
	transaction.base.mu.Lock()
	_, exists := transaction.base.reservations[reservation.ID]
	transaction.base.mu.Unlock()
	if exists {
		return ErrReservationExists
	}
	reservation.Version = 1
	transaction.writes[reservation.ID] = reservation
	transaction.created[reservation.ID] = struct{}{}
	return nil
}

func (transaction *memoryTx) GetReservation(_ context.Context, reservationID ReservationID) (Reservation, error) {
	if transaction.base.getErr != nil {
		return Reservation{}, transaction.base.getErr
	}
	if pending, ok := transaction.writes[reservationID]; ok {
		return pending, nil
	}
	transaction.base.mu.Lock()
	defer transaction.base.mu.Unlock()
	reservation, ok := transaction.base.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (transaction *memoryTx) UpdateReservation(ctx context.Context, reservation Reservation, expectedVersion int64) error {
	current, err := transaction.GetReservation(ctx, reservation.ID)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if _, ok := transaction.expectedBase[reservation.ID]; !ok {
		transaction.expectedBase[reservation.ID] = expectedVersion
	}
	reservation.Version = expectedVersion + 1
	transaction.writes[reservation.ID] = reservation
	return nil
}

func (transaction *memoryTx) HasLedgerEntry(ctx context.Context, key LedgerKey) (bool, error) {
	for _, entry := range transaction.ledger {
		if entry.Key == key {
			return true, nil
		}
	}
	return transaction.base.HasLedgerEntry(ctx, key)
}

func (transaction *memoryTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	seen, err := transaction.HasLedgerEntry(ctx, entry.Key)
	if err != nil {
		return err
	}
	if seen {
		return ErrDuplicateLedgerEntry
	}
	transaction.ledger = append(transaction.ledger, entry)
	return nil
}

func (transaction *memoryTx) InsertCommissionEntry(_ context.Context, entry CommissionEntry) error {
	transaction.base.mu.Lock()
	_, exists := transaction.base.commissionKeys[entry.IdempotencyKey]
	transaction.base.mu.Unlock()
	if exists {
		return ErrDuplicateCommission
	}
	transaction.commissions = append(transaction.commissions, entry)
	return nil
}

func (transaction *memoryTx) ListCommissionEntries(ctx context.Context, reservationID ReservationID) ([]CommissionEntry, error) {
	return transaction.base.ListCommissionEntries(ctx, reservationID)
}

func (transaction *memoryTx) ListStaleReservations(ctx context.Context, states []ReservationState, changedBefore time.Time, limit int) ([]Reservation, error) {
	return transaction.base.ListStaleReservations(ctx, states, changedBefore, limit)
}

func (transaction *memoryTx) commit() error {
	store := transaction.base
	store.mu.Lock()
	defer store.mu.Unlock()
	for reservationID := range transaction.created {
		if _, exists := store.reservations[reservationID]; exists {
			return ErrReservationExists
		}
	}
	for reservationID, expected := range transaction.expectedBase {
		if _, created := transaction.created[reservationID]; created {
			continue
		}
		if store.reservations[reservationID].Version != expected {
			return ErrVersionConflict
		}
	}
	for _, entry := range transaction.ledger {
		if _, exists := store.ledger[entry.Key]; exists {
			return ErrDuplicateLedgerEntry
		}
	}
	for _, entry := range transaction.commissions {
		if _, exists := store.commissionKeys[entry.IdempotencyKey]; exists {
			return ErrDuplicateCommission
		}
	}
	for reservationID, reservation := range transaction.writes {
		store.reservations[reservationID] = reservation
	}
	for _, entry := range transaction.ledger {
		store.ledger[entry.Key] = entry
	}
	for _, entry := range transaction.commissions {
		store.commissionKeys[entry.IdempotencyKey] = struct{}{}
		store.commissions = append(store.commissions, entry)
	}
	return nil
}

type fakeProcessor struct {
	mu          sync.Mutex
	preference  Preference
	createErrs  []error
	createCalls int
	requests    []PreferenceRequest
	payments    map[string]VerifiedPayment
	getErrs     []error
	getCalls    int
	searches    map[string][]VerifiedPayment
	refundErr   error
	refunded    []PaymentID
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		preference: Preference{ID: "pref-1", InitPoint: "https://pay.example.test/checkout/pref-1"},
		payments:   make(map[string]VerifiedPayment),
		searches:   make(map[string][]VerifiedPayment),
	}
}

func (processor *fakeProcessor) CreatePreference(_ context.Context, request PreferenceRequest) (Preference, error) {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	processor.createCalls++
	processor.requests = append(processor.requests, request)
	if len(processor.createErrs) > 0 {
		err := processor.createErrs[0]
		processor.createErrs = processor.createErrs[1:]
		return Preference{}, err
	}
	return processor.preference, nil
}

func (processor *fakeProcessor) GetPayment(_ context.Context, paymentID PaymentID) (VerifiedPayment, error) {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	processor.getCalls++
	if len(processor.getErrs) > 0 {
		err := processor.getErrs[0]
		processor.getErrs = processor.getErrs[1:]
		return VerifiedPayment{}, err
	}
	payment, ok := processor.payments[paymentID.String()]
	if !ok {
		return VerifiedPayment{}, ErrPaymentNotFound
	}
	return payment, nil
}

func (processor *fakeProcessor) SearchPayments(_ context.Context, externalReference string) ([]VerifiedPayment, error) {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	return processor.searches[externalReference], nil
}

func (processor *fakeProcessor) RefundPayment(_ context.Context, paymentID PaymentID) error {
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if processor.refundErr != nil {
		return processor.refundErr
	}
	processor.refunded = append(processor.refunded, paymentID)
	return nil
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a log entry")
	}
	return logger.entries[len(logger.entries)-1]
}

type recorderAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (alerter *recorderAlerter) Alert(_ context.Context, alert Alert) {
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	alerter.alerts = append(alerter.alerts, alert)
}

func (alerter *recorderAlerter) kinds() []AlertKind {
	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	kinds := make([]AlertKind, 0, len(alerter.alerts))
	for _, alert := range alerter.alerts {
		kinds = append(kinds, alert.Kind)
	}
	return kinds
}

type recorderPublisher struct {
	mu     sync.Mutex
	events []TransitionEvent
	err    error
}

func (publisher *recorderPublisher) PublishTransition(_ context.Context, event TransitionEvent) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return publisher.err
}

type recorderSlotKeeper struct {
	mu       sync.Mutex
	locked   []ReservationID
	released []ReservationID
}

func (keeper *recorderSlotKeeper) LockSlot(_ context.Context, reservation Reservation) error {
	keeper.mu.Lock()
	defer keeper.mu.Unlock()
	keeper.locked = append(keeper.locked, reservation.ID)
	return nil
}

func (keeper *recorderSlotKeeper) ReleaseSlot(_ context.Context, reservation Reservation) error {
	keeper.mu.Lock()
	defer keeper.mu.Unlock()
	keeper.released = append(keeper.released, reservation.ID)
	return nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, fixedClock, DefaultCommissionRates(), options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustPaymentID(test *testing.T, raw string) PaymentID {
	test.Helper()
	value, err := NewPaymentID(raw)
	if err != nil {
		test.Fatalf("payment id: %v", err)
	}
	return value
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	value, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) AmountMinor {
	test.Helper()
	value, err := NewAmountMinor(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

// seedReservation stores a 35000 BRL STANDARD reservation in state.
func seedReservation(test *testing.T, store *memoryStore, rawID string, state ReservationState) Reservation {
	test.Helper()
	reservation := Reservation{
		ID:             mustReservationID(test, rawID),
		StudentID:      mustUserID(test, "student-1"),
		TeacherID:      mustUserID(test, "teacher-1"),
		ServiceRef:     "guitar-101",
		GrossPrice:     mustAmount(test, 35000),
		Currency:       mustCurrency(test, "BRL"),
		Tier:           TierStandard,
		PayerEmail:     "student@example.test",
		WindowStart:    fixedNow.Add(24 * time.Hour),
		WindowEnd:      fixedNow.Add(25 * time.Hour),
		State:          state,
		SlotState:      SlotHeld,
		StateChangedAt: fixedNow.Add(-time.Hour),
		CreatedAt:      fixedNow.Add(-time.Hour),
		Version:        1,
	}
	if state != StatePendingPayment {
		reservation.ExternalReference = "pref-" + rawID
		reservation.CheckoutURL = "https://pay.example.test/checkout/pref-" + rawID
	}
	store.mu.Lock()
	store.reservations[reservation.ID] = reservation
	store.mu.Unlock()
	return reservation
}

func verifiedPayment(test *testing.T, rawPaymentID string, status PaymentStatus, amount int64, reservationID string) VerifiedPayment {
	test.Helper()
	return VerifiedPayment{
		PaymentID:          mustPaymentID(test, rawPaymentID),
		Status:             status,
		RawStatus:          status.String(),
		Amount:             AmountMinor(amount),
		Currency:           mustCurrency(test, "BRL"),
		ExternalReference:  reservationID,
		ProcessorTimestamp: fixedNow,
	}
}

func fastRetryPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func requireErrorIs(test *testing.T, err error, target error) {
	test.Helper()
	if !errors.Is(err, target) {
		test.Fatalf("expected %v, got %v", target, err)
	}
}
