package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic update lost a race.
	ErrVersionConflict = errors.New("version conflict")
)

// ProcessingCompletion holds the fields written when processing of a webhook ends.
type ProcessingCompletion struct {
	CompletedAt  time.Time
	DurationMs   *int64
	Result       models.ProcessingResult
	ErrorMessage string
	StatusFrom   string
	StatusTo     string
}

// WebhookEventRepository defines the persistence operations of the webhook audit log.
// Rows are append-only: there is deliberately no delete operation.
type WebhookEventRepository interface {
	Create(ctx context.Context, event *models.WebhookEvent) error
	MarkProcessingStarted(ctx context.Context, id uint, at time.Time) error
	MarkProcessingCompleted(ctx context.Context, id uint, c ProcessingCompletion) error
	GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	ListByBookingKey(ctx context.Context, bookingKey string, limit int) ([]models.WebhookEvent, error)
	ListLatestByBookingKey(ctx context.Context, bookingKey string, n int) ([]models.WebhookEvent, error)
	ListByConfirmationCode(ctx context.Context, confirmationCode string) ([]models.WebhookEvent, error)
	ListUnverifiedOffloaded(ctx context.Context, since time.Time, limit int) ([]models.WebhookEvent, error)
	MarkVerified(ctx context.Context, id uint, at time.Time) error
	MarkVerifyFailed(ctx context.Context, id uint, message string) error
	ExistingStorageKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
	Count(ctx context.Context) (int64, error)
}

// BookingRepository defines the operations the reconciler needs on booking aggregates.
type BookingRepository interface {
	GetByBookingID(ctx context.Context, bookingID string) (*models.Booking, error)
	Create(ctx context.Context, booking *models.Booking) error
	UpdateWithVersion(ctx context.Context, booking *models.Booking, expectedVersion int) error
}

// HealthMetricRepository defines the operations on named storage health counters.
type HealthMetricRepository interface {
	Increment(ctx context.Context, name, errText string) error
	List(ctx context.Context) ([]models.HealthMetric, error)
}

// Repositories holds all repository instances
type Repositories struct {
	WebhookEvent WebhookEventRepository
	Booking      BookingRepository
	HealthMetric HealthMetricRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		WebhookEvent: NewWebhookEventRepository(db),
		Booking:      NewBookingRepository(db),
		HealthMetric: NewHealthMetricRepository(db),
	}
}
