package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPayloadJSON         = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	mysqlDuplicateEntryCode    = 1062
	mysqlLockWaitTimeoutCode   = 1205
	mysqlDeadlockCode          = 1213
	errorOperationStore        = "store"
	errorSubjectReservation    = "reservation"
	errorSubjectLedger         = "ledger"
	errorSubjectCommission     = "commission"
	errorCodeContention        = "contention"
	errorCodeCreate            = "create"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeUpdate            = "update"
	errorCodeVersion           = "version"
	errorCodeExternalReference = "external_reference"
)

// Store implements checkout.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction. A transaction that lost a lock race fails with
// checkout.ErrVersionConflict so the caller re-reads and retries.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore checkout.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isLockContention(err) && !errors.Is(err, checkout.ErrVersionConflict) {
		return wrapStoreError(errorSubjectReservation, errorCodeContention, fmt.Errorf("%w: %v", checkout.ErrVersionConflict, err))
	}
	return err
}

func (store *Store) CreateReservation(ctx context.Context, reservation checkout.Reservation) error {
	model := reservationModel(reservation)
	if model.Version == 0 {
		model.Version = 1
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, checkout.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID checkout.ReservationID) (checkout.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, checkout.ErrUnknownReservation)
		}
		return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservation(ctx context.Context, reservation checkout.Reservation, expectedVersion int64) error {
	model := reservationModel(reservation)
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND version = ?", model.ReservationID, expectedVersion).
		Updates(map[string]interface{}{
			"external_reference": model.ExternalReference,
			"checkout_url":       model.CheckoutURL,
			"payment_id":         model.PaymentID,
			"state":              model.State,
			"slot_state":         model.SlotState,
			"commission_minor":   model.CommissionMinor,
			"net_payout_minor":   model.NetPayoutMinor,
			"last_event_id":      model.LastEventID,
			"last_pending_at":    model.LastPendingAt,
			"state_changed_at":   model.StateChangedAt,
			"version":            expectedVersion + 1,
			"updated_at":         time.Now().UTC(),
		})
	if isUniqueViolation(result.Error) {
		return wrapStoreError(errorSubjectReservation, errorCodeExternalReference, checkout.ErrExternalReferenceTaken)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeVersion, checkout.ErrVersionConflict)
	}
	return nil
}

func (store *Store) HasLedgerEntry(ctx context.Context, key checkout.LedgerKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Where("subject = ? AND status = ?", key.Subject, key.Status).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry checkout.LedgerEntry) error {
	model := ProcessedEvent{
		Subject:       entry.Key.Subject,
		Status:        entry.Key.Status,
		ReservationID: entry.ReservationID.String(),
		Outcome:       entry.Outcome.String(),
		Payload:       datatypesJSON(entry.PayloadJSON),
		ProcessedAt:   entry.ProcessedAt.UTC(),
	}
	if model.ProcessedAt.IsZero() {
		model.ProcessedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, checkout.ErrDuplicateLedgerEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertCommissionEntry(ctx context.Context, entry checkout.CommissionEntry) error {
	model := CommissionEntry{
		ReservationID:   entry.ReservationID.String(),
		Type:            entry.Type.String(),
		CommissionMinor: entry.Commission,
		NetPayoutMinor:  entry.NetPayout,
		Currency:        entry.Currency.String(),
		IdempotencyKey:  entry.IdempotencyKey,
		CreatedAt:       entry.CreatedAt.UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCommission, errorCodeDuplicate, checkout.ErrDuplicateCommission)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCommission, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListCommissionEntries(ctx context.Context, reservationID checkout.ReservationID) ([]checkout.CommissionEntry, error) {
	var rows []CommissionEntry
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCommission, errorCodeList, err)
	}
	entries := make([]checkout.CommissionEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapCommissionEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCommission, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) ListStaleReservations(ctx context.Context, states []checkout.ReservationState, changedBefore time.Time, limit int) ([]checkout.Reservation, error) {
	if len(states) == 0 {
		return nil, nil
	}
	stateValues := make([]string, 0, len(states))
	for _, state := range states {
		stateValues = append(stateValues, state.String())
	}
	query := store.db.WithContext(ctx).
		Where("state IN ? AND state_changed_at < ?", stateValues, changedBefore.UTC()).
		Order("state_changed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Reservation
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]checkout.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return checkout.WrapError(errorOperationStore, subject, code, err)
}

func reservationModel(reservation checkout.Reservation) Reservation {
	var externalReference *string
	if reservation.ExternalReference != "" {
		value := reservation.ExternalReference
		externalReference = &value
	}
	var lastPendingAt *time.Time
	if !reservation.LastPendingAt.IsZero() {
		value := reservation.LastPendingAt.UTC()
		lastPendingAt = &value
	}
	return Reservation{
		ReservationID:     reservation.ID.String(),
		StudentID:         reservation.StudentID.String(),
		TeacherID:         reservation.TeacherID.String(),
		ServiceRef:        reservation.ServiceRef,
		GrossPriceMinor:   reservation.GrossPrice.Int64(),
		Currency:          reservation.Currency.String(),
		Tier:              reservation.Tier.String(),
		PayerEmail:        reservation.PayerEmail,
		WindowStart:       reservation.WindowStart.UTC(),
		WindowEnd:         reservation.WindowEnd.UTC(),
		ExternalReference: externalReference,
		CheckoutURL:       reservation.CheckoutURL,
		PaymentID:         reservation.PaymentID,
		State:             reservation.State.String(),
		SlotState:         reservation.SlotState.String(),
		CommissionMinor:   reservation.Commission.Int64(),
		NetPayoutMinor:    reservation.NetPayout.Int64(),
		LastEventID:       reservation.LastEventID,
		LastPendingAt:     lastPendingAt,
		StateChangedAt:    reservation.StateChangedAt.UTC(),
		Version:           reservation.Version,
		CreatedAt:         reservation.CreatedAt.UTC(),
	}
}

func mapReservation(row Reservation) (checkout.Reservation, error) {
	reservationID, err := checkout.NewReservationID(row.ReservationID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	studentID, err := checkout.NewUserID(row.StudentID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	teacherID, err := checkout.NewUserID(row.TeacherID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	grossPrice, err := checkout.NewAmountMinor(row.GrossPriceMinor)
	if err != nil {
		return checkout.Reservation{}, err
	}
	currency, err := checkout.NewCurrency(row.Currency)
	if err != nil {
		return checkout.Reservation{}, err
	}
	tier, err := checkout.ParseTier(row.Tier)
	if err != nil {
		return checkout.Reservation{}, err
	}
	state, err := checkout.ParseReservationState(row.State)
	if err != nil {
		return checkout.Reservation{}, err
	}
	slotState, err := checkout.ParseSlotState(row.SlotState)
	if err != nil {
		return checkout.Reservation{}, err
	}
	reservation := checkout.Reservation{
		ID:             reservationID,
		StudentID:      studentID,
		TeacherID:      teacherID,
		ServiceRef:     row.ServiceRef,
		GrossPrice:     grossPrice,
		Currency:       currency,
		Tier:           tier,
		PayerEmail:     row.PayerEmail,
		WindowStart:    row.WindowStart.UTC(),
		WindowEnd:      row.WindowEnd.UTC(),
		CheckoutURL:    row.CheckoutURL,
		PaymentID:      row.PaymentID,
		State:          state,
		SlotState:      slotState,
		Commission:     checkout.AmountMinor(row.CommissionMinor),
		NetPayout:      checkout.AmountMinor(row.NetPayoutMinor),
		LastEventID:    row.LastEventID,
		StateChangedAt: row.StateChangedAt.UTC(),
		CreatedAt:      row.CreatedAt.UTC(),
		Version:        row.Version,
	}
	if row.ExternalReference != nil {
		reservation.ExternalReference = *row.ExternalReference
	}
	if row.LastPendingAt != nil {
		reservation.LastPendingAt = row.LastPendingAt.UTC()
	}
	return reservation, nil
}

func mapCommissionEntry(row CommissionEntry) (checkout.CommissionEntry, error) {
	reservationID, err := checkout.NewReservationID(row.ReservationID)
	if err != nil {
		return checkout.CommissionEntry{}, err
	}
	currency, err := checkout.NewCurrency(row.Currency)
	if err != nil {
		return checkout.CommissionEntry{}, err
	}
	return checkout.CommissionEntry{
		ReservationID:  reservationID,
		Type:           checkout.CommissionEntryType(row.Type),
		Commission:     row.CommissionMinor,
		NetPayout:      row.NetPayoutMinor,
		Currency:       currency,
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      row.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultPayloadJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation recognizes unique-constraint failures from every supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isLockContention recognizes busy, deadlock and serialization failures from every supported driver.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDeadlockCode || mysqlErr.Number == mysqlLockWaitTimeoutCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		primary := sqliteErr.Code() & 0xFF
		return primary == sqliteBusyCode || primary == sqliteLockedCode
	}
	return false
}
