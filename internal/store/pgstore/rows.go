package pgstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/jackc/pgx/v5"
)

// reservationRecord is the column-level form of a reservation row.
type reservationRecord struct {
	reservationID     string
	studentID         string
	teacherID         string
	serviceRef        string
	grossPriceMinor   int64
	currency          string
	tier              string
	payerEmail        string
	windowStart       time.Time
	windowEnd         time.Time
	externalReference *string
	checkoutURL       string
	paymentID         string
	state             string
	slotState         string
	commissionMinor   int64
	netPayoutMinor    int64
	lastEventID       string
	lastPendingAt     *time.Time
	stateChangedAt    time.Time
	version           int64
	createdAt         time.Time
}

func reservationRow(reservation checkout.Reservation) reservationRecord {
	record := reservationRecord{
		reservationID:   reservation.ID.String(),
		studentID:       reservation.StudentID.String(),
		teacherID:       reservation.TeacherID.String(),
		serviceRef:      reservation.ServiceRef,
		grossPriceMinor: reservation.GrossPrice.Int64(),
		currency:        reservation.Currency.String(),
		tier:            reservation.Tier.String(),
		payerEmail:      reservation.PayerEmail,
		windowStart:     reservation.WindowStart.UTC(),
		windowEnd:       reservation.WindowEnd.UTC(),
		checkoutURL:     reservation.CheckoutURL,
		paymentID:       reservation.PaymentID,
		state:           reservation.State.String(),
		slotState:       reservation.SlotState.String(),
		commissionMinor: reservation.Commission.Int64(),
		netPayoutMinor:  reservation.NetPayout.Int64(),
		lastEventID:     reservation.LastEventID,
		stateChangedAt:  reservation.StateChangedAt.UTC(),
		version:         reservation.Version,
		createdAt:       reservation.CreatedAt.UTC(),
	}
	if reservation.ExternalReference != "" {
		value := reservation.ExternalReference
		record.externalReference = &value
	}
	if !reservation.LastPendingAt.IsZero() {
		value := reservation.LastPendingAt.UTC()
		record.lastPendingAt = &value
	}
	if record.createdAt.IsZero() {
		record.createdAt = time.Now().UTC()
	}
	return record
}

func scanReservation(row pgx.Row) (reservationRecord, error) {
	var record reservationRecord
	err := row.Scan(
		&record.reservationID, &record.studentID, &record.teacherID, &record.serviceRef, &record.grossPriceMinor,
		&record.currency, &record.tier, &record.payerEmail, &record.windowStart, &record.windowEnd,
		&record.externalReference, &record.checkoutURL, &record.paymentID, &record.state, &record.slotState,
		&record.commissionMinor, &record.netPayoutMinor, &record.lastEventID, &record.lastPendingAt,
		&record.stateChangedAt, &record.version, &record.createdAt,
	)
	return record, err
}

func (record reservationRecord) toDomain() (checkout.Reservation, error) {
	reservationID, err := checkout.NewReservationID(record.reservationID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	studentID, err := checkout.NewUserID(record.studentID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	teacherID, err := checkout.NewUserID(record.teacherID)
	if err != nil {
		return checkout.Reservation{}, err
	}
	grossPrice, err := checkout.NewAmountMinor(record.grossPriceMinor)
	if err != nil {
		return checkout.Reservation{}, err
	}
	currency, err := checkout.NewCurrency(record.currency)
	if err != nil {
		return checkout.Reservation{}, err
	}
	tier, err := checkout.ParseTier(record.tier)
	if err != nil {
		return checkout.Reservation{}, err
	}
	state, err := checkout.ParseReservationState(record.state)
	if err != nil {
		return checkout.Reservation{}, err
	}
	slotState, err := checkout.ParseSlotState(record.slotState)
	if err != nil {
		return checkout.Reservation{}, err
	}
	reservation := checkout.Reservation{
		ID:             reservationID,
		StudentID:      studentID,
		TeacherID:      teacherID,
		ServiceRef:     record.serviceRef,
		GrossPrice:     grossPrice,
		Currency:       currency,
		Tier:           tier,
		PayerEmail:     record.payerEmail,
		WindowStart:    record.windowStart.UTC(),
		WindowEnd:      record.windowEnd.UTC(),
		CheckoutURL:    record.checkoutURL,
		PaymentID:      record.paymentID,
		State:          state,
		SlotState:      slotState,
		Commission:     checkout.AmountMinor(record.commissionMinor),
		NetPayout:      checkout.AmountMinor(record.netPayoutMinor),
		LastEventID:    record.lastEventID,
		StateChangedAt: record.stateChangedAt.UTC(),
		CreatedAt:      record.createdAt.UTC(),
		Version:        record.version,
	}
	if record.externalReference != nil {
		reservation.ExternalReference = *record.externalReference
	}
	if record.lastPendingAt != nil {
		reservation.LastPendingAt = record.lastPendingAt.UTC()
	}
	return reservation, nil
}
