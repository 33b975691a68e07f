package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintReservationPrimary           = "reservations_pkey"
	constraintReservationExternalReference = "reservations_external_reference_key"
	constraintProcessedEventKey            = "processed_events_subject_status_key"
	constraintCommissionIdempotencyKey     = "commission_entries_idempotency_key_key"
	pgUniqueViolationCode                  = "23505"
	errorOperationStore                    = "store"
	errorSubjectReservation                = "reservation"
	errorSubjectLedger                     = "ledger"
	errorSubjectCommission                 = "commission"
	errorSubjectTransaction                = "transaction"
	errorSubjectSchema                     = "schema"
	errorCodeBegin                         = "begin"
	errorCodeCommit                        = "commit"
	errorCodeCreate                        = "create"
	errorCodeDuplicate                     = "duplicate"
	errorCodeGet                           = "get"
	errorCodeInsert                        = "insert"
	errorCodeInvalid                       = "invalid"
	errorCodeList                          = "list"
	errorCodeLookup                        = "lookup"
	errorCodeMigrate                       = "migrate"
	errorCodeUpdate                        = "update"
	errorCodeVersion                       = "version"
	errorCodeExternalReference             = "external_reference"

	reservationColumns = `
		reservation_id, student_id, teacher_id, service_ref, gross_price_minor, currency, tier, payer_email,
		window_start, window_end, external_reference, checkout_url, payment_id, state, slot_state,
		commission_minor, net_payout_minor, last_event_id, last_pending_at, state_changed_at, version, created_at
	`

	sqlInsertReservation = `
		insert into reservations(` + reservationColumns + `)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	sqlSelectReservation = `
		select ` + reservationColumns + `
		from reservations
		where reservation_id = $1
		for update
	`

	sqlUpdateReservation = `
		update reservations
		set external_reference = $3, checkout_url = $4, payment_id = $5, state = $6, slot_state = $7,
			commission_minor = $8, net_payout_minor = $9, last_event_id = $10, last_pending_at = $11,
			state_changed_at = $12, version = $2 + 1, updated_at = now()
		where reservation_id = $1 and version = $2
	`

	sqlSelectLedgerEntry = `
		select exists(select 1 from processed_events where subject = $1 and status = $2)
	`

	sqlInsertLedgerEntry = `
		insert into processed_events(subject, status, reservation_id, outcome, payload, processed_at)
		values ($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb, $6)
	`

	sqlInsertCommissionEntry = `
		insert into commission_entries(reservation_id, type, commission_minor, net_payout_minor, currency, idempotency_key, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`

	sqlListCommissionEntries = `
		select reservation_id, type, commission_minor, net_payout_minor, currency, idempotency_key, created_at
		from commission_entries
		where reservation_id = $1
		order by created_at asc
	`

	sqlListStaleReservations = `
		select ` + reservationColumns + `
		from reservations
		where state = any($1) and state_changed_at < $2
		order by state_changed_at asc
		limit $3
	`
)

//go:embed schema.sql
var schemaSQL string

// queryer is the subset of pgx shared by pools and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements checkout.Store using a pgx connection pool (autocommit).
type Store struct {
	operations
	pool *pgxpool.Pool
}

// TxStore implements checkout.Store for an active transaction.
type TxStore struct {
	operations
	tx pgx.Tx
}

type operations struct {
	db queryer
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{operations: operations{db: pool}, pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (store *Store) Migrate(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore checkout.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{operations: operations{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore checkout.Store) error) error {
	return fn(ctx, store)
}

func (ops operations) CreateReservation(ctx context.Context, reservation checkout.Reservation) error {
	version := reservation.Version
	if version == 0 {
		version = 1
	}
	row := reservationRow(reservation)
	_, err := ops.db.Exec(ctx, sqlInsertReservation,
		row.reservationID, row.studentID, row.teacherID, row.serviceRef, row.grossPriceMinor, row.currency, row.tier, row.payerEmail,
		row.windowStart, row.windowEnd, row.externalReference, row.checkoutURL, row.paymentID, row.state, row.slotState,
		row.commissionMinor, row.netPayoutMinor, row.lastEventID, row.lastPendingAt, row.stateChangedAt, version, row.createdAt,
	)
	if isConstraintViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, checkout.ErrReservationExists)
	}
	if isConstraintViolation(err, constraintReservationExternalReference) {
		return wrapStoreError(errorSubjectReservation, errorCodeExternalReference, checkout.ErrExternalReferenceTaken)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (ops operations) GetReservation(ctx context.Context, reservationID checkout.ReservationID) (checkout.Reservation, error) {
	row, err := scanReservation(ops.db.QueryRow(ctx, sqlSelectReservation, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, checkout.ErrUnknownReservation)
		}
		return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := row.toDomain()
	if err != nil {
		return checkout.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (ops operations) UpdateReservation(ctx context.Context, reservation checkout.Reservation, expectedVersion int64) error {
	row := reservationRow(reservation)
	tag, err := ops.db.Exec(ctx, sqlUpdateReservation,
		row.reservationID, expectedVersion, row.externalReference, row.checkoutURL, row.paymentID, row.state, row.slotState,
		row.commissionMinor, row.netPayoutMinor, row.lastEventID, row.lastPendingAt, row.stateChangedAt,
	)
	if isConstraintViolation(err, constraintReservationExternalReference) {
		return wrapStoreError(errorSubjectReservation, errorCodeExternalReference, checkout.ErrExternalReferenceTaken)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeVersion, checkout.ErrVersionConflict)
	}
	return nil
}

func (ops operations) HasLedgerEntry(ctx context.Context, key checkout.LedgerKey) (bool, error) {
	var exists bool
	if err := ops.db.QueryRow(ctx, sqlSelectLedgerEntry, key.Subject, key.Status).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectLedger, errorCodeLookup, err)
	}
	return exists, nil
}

func (ops operations) InsertLedgerEntry(ctx context.Context, entry checkout.LedgerEntry) error {
	processedAt := entry.ProcessedAt.UTC()
	if entry.ProcessedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	_, err := ops.db.Exec(ctx, sqlInsertLedgerEntry,
		entry.Key.Subject,
		entry.Key.Status,
		entry.ReservationID.String(),
		entry.Outcome.String(),
		entry.PayloadJSON,
		processedAt,
	)
	if isConstraintViolation(err, constraintProcessedEventKey) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, checkout.ErrDuplicateLedgerEntry)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeInsert, err)
	}
	return nil
}

func (ops operations) InsertCommissionEntry(ctx context.Context, entry checkout.CommissionEntry) error {
	createdAt := entry.CreatedAt.UTC()
	if entry.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := ops.db.Exec(ctx, sqlInsertCommissionEntry,
		entry.ReservationID.String(),
		entry.Type.String(),
		entry.Commission,
		entry.NetPayout,
		entry.Currency.String(),
		entry.IdempotencyKey,
		createdAt,
	)
	if isConstraintViolation(err, constraintCommissionIdempotencyKey) {
		return wrapStoreError(errorSubjectCommission, errorCodeDuplicate, checkout.ErrDuplicateCommission)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCommission, errorCodeInsert, err)
	}
	return nil
}

func (ops operations) ListCommissionEntries(ctx context.Context, reservationID checkout.ReservationID) ([]checkout.CommissionEntry, error) {
	rows, err := ops.db.Query(ctx, sqlListCommissionEntries, reservationID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectCommission, errorCodeList, err)
	}
	defer rows.Close()
	var entries []checkout.CommissionEntry
	for rows.Next() {
		var (
			reservationValue string
			entryType        string
			commission       int64
			netPayout        int64
			currencyValue    string
			idempotencyKey   string
			createdAt        time.Time
		)
		if err := rows.Scan(&reservationValue, &entryType, &commission, &netPayout, &currencyValue, &idempotencyKey, &createdAt); err != nil {
			return nil, wrapStoreError(errorSubjectCommission, errorCodeList, err)
		}
		parsedReservationID, err := checkout.NewReservationID(reservationValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCommission, errorCodeInvalid, err)
		}
		currency, err := checkout.NewCurrency(currencyValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCommission, errorCodeInvalid, err)
		}
		entries = append(entries, checkout.CommissionEntry{
			ReservationID:  parsedReservationID,
			Type:           checkout.CommissionEntryType(entryType),
			Commission:     commission,
			NetPayout:      netPayout,
			Currency:       currency,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCommission, errorCodeList, err)
	}
	return entries, nil
}

func (ops operations) ListStaleReservations(ctx context.Context, states []checkout.ReservationState, changedBefore time.Time, limit int) ([]checkout.Reservation, error) {
	if len(states) == 0 {
		return nil, nil
	}
	stateValues := make([]string, 0, len(states))
	for _, state := range states {
		stateValues = append(stateValues, state.String())
	}
	var limitValue *int
	if limit > 0 {
		limitValue = &limit
	}
	rows, err := ops.db.Query(ctx, sqlListStaleReservations, stateValues, changedBefore.UTC(), limitValue)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	var reservations []checkout.Reservation
	for rows.Next() {
		row, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
		}
		reservation, err := row.toDomain()
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return checkout.WrapError(errorOperationStore, subject, code, err)
}

func isConstraintViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
