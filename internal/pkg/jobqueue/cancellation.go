package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/BookingRelay/app/models"
)

// CancellationPublisher enqueues the downstream work for a cancelled booking.
// It satisfies reconciler.CancellationHook.
type CancellationPublisher struct {
	queue *Queue
	types []JobType
}

// NewCancellationPublisher publishes an availability resync and a refund
// trigger for every cancellation.
func NewCancellationPublisher(queue *Queue) *CancellationPublisher {
	return &CancellationPublisher{
		queue: queue,
		types: []JobType{JobTypeAvailabilityResync, JobTypeRefundTrigger},
	}
}

// OnCancelled enqueues one job per configured type.
func (p *CancellationPublisher) OnCancelled(ctx context.Context, booking *models.Booking, eventID string) error {
	cancelledAt := time.Now().UTC()
	if booking.CancelledAt != nil {
		cancelledAt = *booking.CancelledAt
	}
	payload := CancellationPayload{
		BookingID:        booking.BookingID,
		ConfirmationCode: booking.ConfirmationCode,
		ParentBookingID:  booking.ParentBookingID,
		EventID:          eventID,
		CancelledAt:      cancelledAt,
	}.ToMap()

	var errs []error
	for _, t := range p.types {
		if _, err := p.queue.EnqueueJob(ctx, t, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
