package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BookingStatus is the lifecycle state of a booking aggregate.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusCancelled BookingStatus = "CANCELLED"
	BookingStatusArrived   BookingStatus = "ARRIVED"
	BookingStatusNoShow    BookingStatus = "NO_SHOW"
	BookingStatusCompleted BookingStatus = "COMPLETED"
	BookingStatusImported  BookingStatus = "IMPORTED"
)

// bookingTransitions lists the legal forward moves. Cancellation is reachable
// from every state and is handled by CanTransition directly.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed},
	BookingStatusImported:  {BookingStatusConfirmed},
	BookingStatusConfirmed: {BookingStatusArrived, BookingStatusNoShow, BookingStatusCompleted},
	BookingStatusArrived:   {BookingStatusCompleted},
}

// ParseBookingStatus maps an upstream status string to a known booking status.
func ParseBookingStatus(raw string) (BookingStatus, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "PENDING", "REQUESTED", "RESERVED":
		return BookingStatusPending, true
	case "CONFIRMED":
		return BookingStatusConfirmed, true
	case "CANCELLED", "CANCELED", "ITEM_CANCELLED":
		return BookingStatusCancelled, true
	case "ARRIVED":
		return BookingStatusArrived, true
	case "NO_SHOW", "NOSHOW":
		return BookingStatusNoShow, true
	case "COMPLETED", "FINISHED":
		return BookingStatusCompleted, true
	case "IMPORTED":
		return BookingStatusImported, true
	default:
		return "", false
	}
}

// IsCancelledStatus reports whether a raw upstream status asserts cancellation.
func IsCancelledStatus(raw string) bool {
	s, ok := ParseBookingStatus(raw)
	return ok && s == BookingStatusCancelled
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to BookingStatus) bool {
	if from == to {
		return true
	}
	if to == BookingStatusCancelled {
		return true
	}
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking is the durable booking aggregate mutated by the reconciler.
type Booking struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	BookingID          string         `gorm:"type:varchar(100);not null;uniqueIndex" json:"booking_id"`
	ConfirmationCode   string         `gorm:"type:varchar(100);not null;default:'';index" json:"confirmation_code"`
	ParentBookingID    string         `gorm:"type:varchar(100);not null;default:'';index" json:"parent_booking_id,omitempty"`
	Status             BookingStatus  `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	ProductTitle       string         `gorm:"type:varchar(255)" json:"product_title,omitempty"`
	StartTime          *time.Time     `json:"start_time,omitempty"`
	TotalPrice         string         `gorm:"type:varchar(32)" json:"total_price,omitempty"`
	Currency           string         `gorm:"type:varchar(8)" json:"currency,omitempty"`
	CustomerName       string         `gorm:"type:varchar(255)" json:"customer_name,omitempty"`
	Details            datatypes.JSON `json:"details,omitempty"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	RefundedAt         *time.Time     `json:"refunded_at,omitempty"`
	LastAppliedEventID string         `gorm:"type:varchar(36);not null;default:''" json:"last_applied_event_id"`
	Version            int            `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Booking
func (Booking) TableName() string {
	return "bookings"
}

// BeforeCreate sets default values before creating a new booking record
func (b *Booking) BeforeCreate(tx *gorm.DB) error {
	if b.Status == "" {
		b.Status = BookingStatusPending
	}
	if b.Version == 0 {
		b.Version = 1
	}
	return nil
}

// IsCancelled reports whether the booking is in the terminal cancelled state.
func (b *Booking) IsCancelled() bool {
	return b.Status == BookingStatusCancelled
}
