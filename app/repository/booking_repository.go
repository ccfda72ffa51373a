package repository

import (
	"context"
	"errors"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"gorm.io/gorm"
)

// bookingRepository implements the BookingRepository interface
type bookingRepository struct {
	db *gorm.DB
}

// NewBookingRepository creates a new booking repository instance
func NewBookingRepository(db *gorm.DB) BookingRepository {
	return &bookingRepository{db: db}
}

// GetByBookingID retrieves a booking by its upstream booking id
func (r *bookingRepository) GetByBookingID(ctx context.Context, bookingID string) (*models.Booking, error) {
	var booking models.Booking
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&booking).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &booking, nil
}

// Create inserts a new booking. A concurrent insert of the same booking id
// surfaces as ErrVersionConflict so the caller can re-read and retry.
func (r *bookingRepository) Create(ctx context.Context, booking *models.Booking) error {
	err := r.db.WithContext(ctx).Create(booking).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrVersionConflict
	}
	return err
}

// UpdateWithVersion saves the booking only if its stored version still equals
// expectedVersion, then bumps the version. Mirrors the conditional-update claim
// pattern used for backups.
func (r *bookingRepository) UpdateWithVersion(ctx context.Context, booking *models.Booking, expectedVersion int) error {
	next := expectedVersion + 1
	tx := r.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND version = ?", booking.ID, expectedVersion).
		Updates(map[string]interface{}{
			"confirmation_code":     booking.ConfirmationCode,
			"parent_booking_id":     booking.ParentBookingID,
			"status":                booking.Status,
			"product_title":         booking.ProductTitle,
			"start_time":            booking.StartTime,
			"total_price":           booking.TotalPrice,
			"currency":              booking.Currency,
			"customer_name":         booking.CustomerName,
			"details":               booking.Details,
			"confirmed_at":          booking.ConfirmedAt,
			"cancelled_at":          booking.CancelledAt,
			"refunded_at":           booking.RefundedAt,
			"last_applied_event_id": booking.LastAppliedEventID,
			"version":               next,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrVersionConflict
	}
	booking.Version = next
	return nil
}
