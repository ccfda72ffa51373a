package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"gorm.io/gorm"
)

// storageKeyBatch bounds the IN (...) list used when checking storage keys.
const storageKeyBatch = 500

// webhookEventRepository implements the WebhookEventRepository interface
type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository creates a new webhook event repository instance
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// Create inserts a new audit row
func (r *webhookEventRepository) Create(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// MarkProcessingStarted stamps the processing start time
func (r *webhookEventRepository) MarkProcessingStarted(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Update("processing_started_at", at).Error
}

// MarkProcessingCompleted writes the processing outcome onto the row
func (r *webhookEventRepository) MarkProcessingCompleted(ctx context.Context, id uint, c ProcessingCompletion) error {
	updates := map[string]interface{}{
		"processing_completed_at": c.CompletedAt,
		"processing_result":       c.Result,
		"error_message":           c.ErrorMessage,
		"status_from":             c.StatusFrom,
		"status_to":               c.StatusTo,
	}
	if c.DurationMs != nil {
		updates["duration_ms"] = *c.DurationMs
	}
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// GetByEventID retrieves a row by its generated event id
func (r *webhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// ListByBookingKey returns the newest rows for a booking key, most recent first
func (r *webhookEventRepository) ListByBookingKey(ctx context.Context, bookingKey string, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).Where("booking_key = ?", bookingKey).
		Order("received_at DESC").Order("id DESC").
		Limit(limit).Find(&events).Error
	return events, err
}

// ListLatestByBookingKey returns the last n signed rows for a booking key in
// arrival order. Rows that failed the signature check never entered the
// sequence and are left out.
func (r *webhookEventRepository) ListLatestByBookingKey(ctx context.Context, bookingKey string, n int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("booking_key = ? AND signature_valid = ?", bookingKey, true).
		Order("received_at DESC").Order("id DESC").
		Limit(n).Find(&events).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ListByConfirmationCode returns the full stored sequence for a confirmation code, oldest first
func (r *webhookEventRepository) ListByConfirmationCode(ctx context.Context, confirmationCode string) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).Where("confirmation_code = ?", confirmationCode).
		Order("received_at ASC").Order("id ASC").
		Find(&events).Error
	return events, err
}

// ListUnverifiedOffloaded returns offloaded rows received since the given time
// that have never been verified and have no recorded verification failure
func (r *webhookEventRepository) ListUnverifiedOffloaded(ctx context.Context, since time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	q := r.db.WithContext(ctx).
		Where("storage_key <> ''").
		Where("verified_at IS NULL").
		Where("(verify_error IS NULL OR verify_error = '')").
		Where("received_at >= ?", since).
		Order("received_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&events).Error
	return events, err
}

// MarkVerified records a successful integrity check
func (r *webhookEventRepository) MarkVerified(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"verified_at": at, "verify_error": ""}).Error
}

// MarkVerifyFailed records the last integrity failure without marking the row verified
func (r *webhookEventRepository) MarkVerifyFailed(ctx context.Context, id uint, message string) error {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).
		Update("verify_error", message).Error
}

// ExistingStorageKeys returns the subset of keys that are referenced by an audit row
func (r *webhookEventRepository) ExistingStorageKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(keys))
	for start := 0; start < len(keys); start += storageKeyBatch {
		end := start + storageKeyBatch
		if end > len(keys) {
			end = len(keys)
		}
		var batch []string
		if err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
			Where("storage_key IN ?", keys[start:end]).
			Pluck("storage_key", &batch).Error; err != nil {
			return nil, err
		}
		for _, k := range batch {
			found[k] = struct{}{}
		}
	}
	return found, nil
}

// Count returns the total number of audit rows
func (r *webhookEventRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).Count(&count).Error
	return count, err
}
