package jobqueue

import (
	"time"
)

// JobType defines the type of side-effect job
type JobType string

const (
	// JobTypeAvailabilityResync asks the catalog sync to release the cancelled slot.
	JobTypeAvailabilityResync JobType = "availability_resync"
	// JobTypeRefundTrigger asks accounting to issue a refund or credit note.
	JobTypeRefundTrigger JobType = "refund_trigger"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is a side effect handed to an external collaborator
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
}

// CancellationPayload is attached to every job published for a cancellation
type CancellationPayload struct {
	BookingID        string    `json:"booking_id"`
	ConfirmationCode string    `json:"confirmation_code"`
	ParentBookingID  string    `json:"parent_booking_id,omitempty"`
	EventID          string    `json:"event_id"`
	CancelledAt      time.Time `json:"cancelled_at"`
}

// ToMap converts the payload to a map for storage
func (p CancellationPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"booking_id":        p.BookingID,
		"confirmation_code": p.ConfirmationCode,
		"event_id":          p.EventID,
		"cancelled_at":      p.CancelledAt.UTC().Format(time.RFC3339),
	}
	if p.ParentBookingID != "" {
		m["parent_booking_id"] = p.ParentBookingID
	}
	return m
}

// MarkAsCompleted marks the job as completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkAsFailed marks the job as failed with an error message
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMsg = errorMsg
	j.UpdatedAt = time.Now()
}
