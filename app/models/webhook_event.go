package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookAction is the lifecycle action a webhook reports for a booking.
type WebhookAction string

const (
	ActionConfirmed     WebhookAction = "CONFIRMED"
	ActionUpdated       WebhookAction = "UPDATED"
	ActionItemCancelled WebhookAction = "ITEM_CANCELLED"
	ActionRefunded      WebhookAction = "REFUNDED"
	ActionUnknown       WebhookAction = "UNKNOWN"
)

// ParseWebhookAction maps a raw action string to a known action.
// Anything unrecognised becomes ActionUnknown.
func ParseWebhookAction(raw string) WebhookAction {
	switch WebhookAction(strings.ToUpper(strings.TrimSpace(raw))) {
	case ActionConfirmed:
		return ActionConfirmed
	case ActionUpdated:
		return ActionUpdated
	case ActionItemCancelled, "CANCELLED", "CANCELED", "ITEM_CANCELED":
		return ActionItemCancelled
	case ActionRefunded, "REFUND":
		return ActionRefunded
	default:
		return ActionUnknown
	}
}

// SourceType identifies the producer of a webhook.
type SourceType string

const (
	SourceBooking      SourceType = "BOOKING"
	SourceAvailability SourceType = "AVAILABILITY"
	SourcePayment      SourceType = "PAYMENT"
)

// ParseSourceType maps a raw source to a known producer, defaulting to BOOKING.
func ParseSourceType(raw string) (SourceType, bool) {
	switch SourceType(strings.ToUpper(strings.TrimSpace(raw))) {
	case SourceBooking:
		return SourceBooking, true
	case SourceAvailability:
		return SourceAvailability, true
	case SourcePayment:
		return SourcePayment, true
	default:
		return SourceBooking, false
	}
}

// ProcessingResult is the outcome recorded for a webhook once processing ends.
type ProcessingResult string

const (
	ResultSuccess ProcessingResult = "SUCCESS"
	ResultError   ProcessingResult = "ERROR"
	ResultSkipped ProcessingResult = "SKIPPED"
)

// WebhookEvent is the append-only audit row written for every inbound delivery.
type WebhookEvent struct {
	ID                    uint             `gorm:"primaryKey" json:"id"`
	EventID               string           `gorm:"type:varchar(36);not null;uniqueIndex" json:"event_id"`
	BookingKey            string           `gorm:"type:varchar(191);not null;index:idx_webhook_events_key_received,priority:1" json:"booking_key"`
	BookingID             string           `gorm:"type:varchar(100);not null;default:'';index" json:"booking_id"`
	ConfirmationCode      string           `gorm:"type:varchar(100);not null;default:'';index" json:"confirmation_code"`
	ParentBookingID       string           `gorm:"type:varchar(100);not null;default:''" json:"parent_booking_id,omitempty"`
	Action                WebhookAction    `gorm:"type:varchar(20);not null;index" json:"action"`
	ActionInferred        bool             `gorm:"default:false" json:"action_inferred"`
	ReportedStatus        string           `gorm:"type:varchar(50);not null;default:''" json:"reported_status"`
	SourceType            SourceType       `gorm:"type:varchar(20);not null;index" json:"source_type"`
	SignatureValid        bool             `gorm:"default:false" json:"signature_valid"`
	ReceivedAt            time.Time        `gorm:"not null;index:idx_webhook_events_key_received,priority:2;index" json:"received_at"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at,omitempty"`
	DurationMs            *int64           `json:"duration_ms,omitempty"`
	Payload               datatypes.JSON   `json:"payload"`
	PayloadSize           int              `gorm:"default:0" json:"payload_size"`
	StorageKey            string           `gorm:"type:varchar(500);not null;default:'';index" json:"storage_key,omitempty"`
	Checksum              string           `gorm:"type:varchar(64);not null;default:''" json:"checksum,omitempty"`
	VerifiedAt            *time.Time       `json:"verified_at,omitempty"`
	VerifyError           string           `gorm:"type:text" json:"verify_error,omitempty"`
	SequenceNumber        int              `gorm:"default:0" json:"sequence_number"`
	IsDuplicate           bool             `gorm:"default:false;index" json:"is_duplicate"`
	IsOutOfOrder          bool             `gorm:"default:false;index" json:"is_out_of_order"`
	Issues                string           `gorm:"type:varchar(255);not null;default:''" json:"issues,omitempty"`
	ProcessingResult      ProcessingResult `gorm:"type:varchar(20);not null;default:'';index" json:"processing_result"`
	ErrorMessage          string           `gorm:"type:text" json:"error_message,omitempty"`
	StatusFrom            string           `gorm:"type:varchar(20);not null;default:''" json:"status_from,omitempty"`
	StatusTo              string           `gorm:"type:varchar(20);not null;default:''" json:"status_to,omitempty"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// BeforeCreate fills defaults so partially parsed deliveries can still be stored.
func (e *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if e.Action == "" {
		e.Action = ActionUnknown
	}
	if e.SourceType == "" {
		e.SourceType = SourceBooking
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if len(e.Payload) == 0 {
		e.Payload = datatypes.JSON("{}")
	}
	return nil
}

// IsOffloaded reports whether the full payload lives in blob storage.
func (e *WebhookEvent) IsOffloaded() bool {
	return e.StorageKey != ""
}

// InSequence reports whether the row took part in sequence analysis. Rows
// with a bad signature or without a booking id were recorded only.
func (e *WebhookEvent) InSequence() bool {
	return e.SignatureValid && e.BookingID != ""
}

// HasTransition reports whether the reconciler recorded a status transition.
func (e *WebhookEvent) HasTransition() bool {
	return e.StatusTo != ""
}
