package repository

import (
	"context"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"gorm.io/gorm"
)

// healthMetricRepository implements the HealthMetricRepository interface
type healthMetricRepository struct {
	db *gorm.DB
}

// NewHealthMetricRepository creates a new health metric repository instance
func NewHealthMetricRepository(db *gorm.DB) HealthMetricRepository {
	return &healthMetricRepository{db: db}
}

// Increment bumps the named counter
func (r *healthMetricRepository) Increment(ctx context.Context, name, errText string) error {
	return models.IncrementHealthMetric(r.db.WithContext(ctx), name, errText)
}

// List returns all counters
func (r *healthMetricRepository) List(ctx context.Context) ([]models.HealthMetric, error) {
	return models.FindAllHealthMetrics(r.db.WithContext(ctx))
}
