package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID     string     `gorm:"primaryKey;size:64"`
	StudentID         string     `gorm:"not null;size:128;index"`
	TeacherID         string     `gorm:"not null;size:128;index"`
	ServiceRef        string     `gorm:"not null;size:128"`
	GrossPriceMinor   int64      `gorm:"not null"`
	Currency          string     `gorm:"not null;size:3"`
	Tier              string     `gorm:"not null;size:16"`
	PayerEmail        string     `gorm:"not null;size:320"`
	WindowStart       time.Time  `gorm:"not null"`
	WindowEnd         time.Time  `gorm:"not null"`
	ExternalReference *string    `gorm:"size:128;uniqueIndex:uniq_reservations_external_reference"`
	CheckoutURL       string     `gorm:"size:2048;not null;default:''"`
	PaymentID         string     `gorm:"size:64;not null;default:'';index"`
	State             string     `gorm:"not null;size:32;index:idx_reservations_state_changed,priority:1"`
	SlotState         string     `gorm:"not null;size:16"`
	CommissionMinor   int64      `gorm:"not null;default:0"`
	NetPayoutMinor    int64      `gorm:"not null;default:0"`
	LastEventID       string     `gorm:"size:256;not null;default:''"`
	LastPendingAt     *time.Time `gorm:""`
	StateChangedAt    time.Time  `gorm:"not null;index:idx_reservations_state_changed,priority:2"`
	Version           int64      `gorm:"not null"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// ProcessedEvent mirrors the processed_events table: one row per applied (subject, status) pair.
type ProcessedEvent struct {
	EventID       string         `gorm:"primaryKey;size:36"`
	Subject       string         `gorm:"not null;size:128;uniqueIndex:uniq_processed_events_key,priority:1"`
	Status        string         `gorm:"not null;size:32;uniqueIndex:uniq_processed_events_key,priority:2"`
	ReservationID string         `gorm:"not null;size:64;index"`
	Outcome       string         `gorm:"not null;size:32"`
	Payload       datatypes.JSON `gorm:"not null"`
	ProcessedAt   time.Time      `gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

func (event *ProcessedEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// CommissionEntry mirrors the append-only commission_entries table.
type CommissionEntry struct {
	EntryID         string    `gorm:"primaryKey;size:36"`
	ReservationID   string    `gorm:"not null;size:64;index"`
	Type            string    `gorm:"not null;size:32"`
	CommissionMinor int64     `gorm:"not null"`
	NetPayoutMinor  int64     `gorm:"not null"`
	Currency        string    `gorm:"not null;size:3"`
	IdempotencyKey  string    `gorm:"not null;size:256;uniqueIndex:uniq_commission_entries_idem"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (CommissionEntry) TableName() string { return "commission_entries" }

func (entry *CommissionEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Reservation{}, &ProcessedEvent{}, &CommissionEntry{})
}
