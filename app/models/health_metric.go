package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Names of the storage health counters.
const (
	MetricUploadSuccess    = "upload_success"
	MetricUploadFailure    = "upload_failure"
	MetricChecksumMismatch = "checksum_mismatch"
	MetricVerifyError      = "verify_error"
)

// HealthMetricNames lists every counter in report order.
var HealthMetricNames = []string{
	MetricUploadSuccess,
	MetricUploadFailure,
	MetricChecksumMismatch,
	MetricVerifyError,
}

// HealthMetric is a named, monotonically increasing counter with the most
// recent error text attached.
type HealthMetric struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"name"`
	Total       int64      `gorm:"not null;default:0" json:"total"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for HealthMetric
func (HealthMetric) TableName() string {
	return "health_metrics"
}

// IncrementHealthMetric atomically bumps a counter, creating it on first use.
// A non-empty errText replaces the stored last error.
func IncrementHealthMetric(db *gorm.DB, name, errText string) error {
	now := time.Now().UTC()
	metric := &HealthMetric{Name: name, Total: 1}
	updates := map[string]interface{}{
		"total":      gorm.Expr("total + ?", 1),
		"updated_at": now,
	}
	if errText != "" {
		metric.LastError = errText
		metric.LastErrorAt = &now
		updates["last_error"] = errText
		updates["last_error_at"] = now
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(metric).Error
}

// FindAllHealthMetrics returns every counter ordered by name.
func FindAllHealthMetrics(db *gorm.DB) ([]HealthMetric, error) {
	var metrics []HealthMetric
	err := db.Order("name ASC").Find(&metrics).Error
	return metrics, err
}
