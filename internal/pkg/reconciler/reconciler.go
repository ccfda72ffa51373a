// Package reconciler turns classified webhook events into mutations, or
// deliberate non-mutations, of the booking aggregate.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/audit"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
)

// Skip reasons recorded on the audit row.
const (
	ReasonUnknownAction        = "unknown action"
	ReasonStaleUpdate          = "stale update after cancellation"
	ReasonUpdateAfterCancel    = "booking is cancelled and the update does not assert cancellation"
	ReasonInferredReconfirm    = "inferred confirmation cannot reopen a cancelled booking"
	ReasonReconfirmSkipped     = "confirmation after cancellation ignored by policy"
	ReasonRefundUnknownBooking = "refund for unknown booking"
	ReasonMissingBookingID     = "missing booking id"
)

// Fields are the confirmed booking details an event may carry. Nil fields
// leave the stored value untouched.
type Fields struct {
	ProductTitle *string
	StartTime    *time.Time
	TotalPrice   *string
	Currency     *string
	CustomerName *string
	Details      json.RawMessage
}

// Event is a classified webhook ready for reconciliation.
type Event struct {
	EventID          string
	BookingID        string
	ConfirmationCode string
	ParentBookingID  string
	Action           models.WebhookAction
	ActionInferred   bool
	ReportedStatus   string
	Classification   sequence.Classification
	Fields           Fields
}

// assertsCancellation reports whether the event claims the booking is cancelled.
func (e Event) assertsCancellation() bool {
	return e.Action == models.ActionItemCancelled || models.IsCancelledStatus(e.ReportedStatus)
}

// Outcome is the result of reconciling one event.
type Outcome struct {
	Result     models.ProcessingResult
	Reason     string
	Error      string
	Transition *audit.Transition
	Booking    *models.Booking
}

// CancellationHook is notified after a booking has been moved to CANCELLED.
type CancellationHook interface {
	OnCancelled(ctx context.Context, booking *models.Booking, eventID string) error
}

// Reconciler applies events to booking aggregates.
type Reconciler struct {
	cfg      Config
	bookings repository.BookingRepository
	hooks    []CancellationHook
	now      func() time.Time
}

// New creates a reconciler. An invalid config is logged and replaced by the
// defaults.
func New(cfg Config, bookings repository.BookingRepository, hooks ...CancellationHook) *Reconciler {
	if err := cfg.Validate(); err != nil {
		log.Warnf("[Reconciler] Invalid config, using %q: %v", ReconfirmSkip, err)
		cfg.ReconfirmAfterCancel = ReconfirmSkip
	}
	return &Reconciler{
		cfg:      cfg,
		bookings: bookings,
		hooks:    hooks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// plan is the mutation decided for one attempt.
type plan struct {
	skip       string
	booking    *models.Booking
	create     bool
	expected   int
	transition *audit.Transition
	cancelled  bool // status moved to CANCELLED by this event
	noop       bool
}

// Apply reconciles ev. It never returns an error: failures are reported as
// an ERROR outcome and the event is safe to redeliver.
func (r *Reconciler) Apply(ctx context.Context, ev Event) Outcome {
	if ev.Action == models.ActionUnknown || ev.Action == "" {
		return skipped(ReasonUnknownAction)
	}
	if ev.BookingID == "" {
		return skipped(ReasonMissingBookingID)
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}

		current, err := r.bookings.GetByBookingID(ctx, ev.BookingID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return failed(fmt.Errorf("load booking %s: %w", ev.BookingID, err))
		}

		p := r.decide(current, ev)
		if p.skip != "" {
			return Outcome{Result: models.ResultSkipped, Reason: p.skip, Booking: current}
		}
		if p.noop {
			return Outcome{Result: models.ResultSuccess, Reason: "already applied", Booking: current}
		}

		if p.create {
			err = r.bookings.Create(ctx, p.booking)
		} else {
			err = r.bookings.UpdateWithVersion(ctx, p.booking, p.expected)
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			lastErr = err
			log.Debugf("[Reconciler] Version conflict on booking %s (attempt %d/%d)", ev.BookingID, attempt, r.cfg.MaxAttempts)
			continue
		}
		if err != nil {
			return failed(fmt.Errorf("save booking %s: %w", ev.BookingID, err))
		}

		if p.cancelled {
			r.runHooks(ctx, p.booking, ev.EventID)
		}
		return Outcome{Result: models.ResultSuccess, Transition: p.transition, Booking: p.booking}
	}
	return failed(fmt.Errorf("booking %s: %w after %d attempts", ev.BookingID, lastErr, r.cfg.MaxAttempts))
}

func (r *Reconciler) decide(current *models.Booking, ev Event) plan {
	switch {
	case ev.Action == models.ActionRefunded:
		return r.decideRefund(current, ev)
	case ev.assertsCancellation():
		return r.decideCancel(current, ev)
	case ev.Action == models.ActionConfirmed:
		return r.decideConfirm(current, ev)
	case ev.Action == models.ActionUpdated:
		return r.decideUpdate(current, ev)
	default:
		return plan{skip: ReasonUnknownAction}
	}
}

func (r *Reconciler) decideCancel(current *models.Booking, ev Event) plan {
	now := r.now()
	if current == nil {
		b := newBooking(ev, models.BookingStatusCancelled)
		b.CancelledAt = &now
		return plan{
			booking:    b,
			create:     true,
			transition: &audit.Transition{To: models.BookingStatusCancelled},
			cancelled:  true,
		}
	}
	next := mutable(current, ev)
	from := current.Status
	next.Status = models.BookingStatusCancelled
	if next.CancelledAt == nil {
		next.CancelledAt = &now
	}
	return plan{
		booking:    next,
		expected:   current.Version,
		transition: &audit.Transition{From: from, To: models.BookingStatusCancelled},
		cancelled:  from != models.BookingStatusCancelled,
	}
}

func (r *Reconciler) decideConfirm(current *models.Booking, ev Event) plan {
	now := r.now()
	if current == nil {
		b := newBooking(ev, models.BookingStatusConfirmed)
		b.ConfirmedAt = &now
		return plan{booking: b, create: true, transition: &audit.Transition{To: models.BookingStatusConfirmed}}
	}

	if current.IsCancelled() {
		if ev.ActionInferred {
			return plan{skip: ReasonInferredReconfirm}
		}
		if r.cfg.ReconfirmAfterCancel != ReconfirmResurrect {
			return plan{skip: ReasonReconfirmSkipped}
		}
		next := mutable(current, ev)
		next.Status = models.BookingStatusConfirmed
		next.CancelledAt = nil
		next.ConfirmedAt = &now
		return plan{
			booking:    next,
			expected:   current.Version,
			transition: &audit.Transition{From: models.BookingStatusCancelled, To: models.BookingStatusConfirmed},
		}
	}

	next := mutable(current, ev)
	p := plan{booking: next, expected: current.Version}
	if models.CanTransition(current.Status, models.BookingStatusConfirmed) {
		next.Status = models.BookingStatusConfirmed
		if next.ConfirmedAt == nil {
			next.ConfirmedAt = &now
		}
		p.transition = &audit.Transition{From: current.Status, To: models.BookingStatusConfirmed}
	}
	// ARRIVED, NO_SHOW and COMPLETED keep their status; only fields are written.
	return p
}

func (r *Reconciler) decideUpdate(current *models.Booking, ev Event) plan {
	if ev.Classification.Has(sequence.RuleStaleUpdateAfterCancellation) {
		return plan{skip: ReasonStaleUpdate}
	}
	asserted, hasStatus := models.ParseBookingStatus(ev.ReportedStatus)

	if current == nil {
		status := models.BookingStatusPending
		if hasStatus {
			status = asserted
		}
		b := newBooking(ev, status)
		if status == models.BookingStatusConfirmed {
			now := r.now()
			b.ConfirmedAt = &now
		}
		return plan{booking: b, create: true, transition: &audit.Transition{To: status}}
	}

	if current.IsCancelled() {
		return plan{skip: ReasonUpdateAfterCancel}
	}

	next := mutable(current, ev)
	p := plan{booking: next, expected: current.Version}
	if hasStatus && asserted != current.Status {
		if models.CanTransition(current.Status, asserted) {
			next.Status = asserted
			if asserted == models.BookingStatusConfirmed && next.ConfirmedAt == nil {
				now := r.now()
				next.ConfirmedAt = &now
			}
			p.transition = &audit.Transition{From: current.Status, To: asserted}
		} else {
			log.Infof("[Reconciler] Ignoring illegal transition %s -> %s for booking %s (event %s)",
				current.Status, asserted, current.BookingID, ev.EventID)
		}
	}
	return p
}

func (r *Reconciler) decideRefund(current *models.Booking, ev Event) plan {
	if current == nil {
		return plan{skip: ReasonRefundUnknownBooking}
	}
	if current.RefundedAt != nil {
		return plan{noop: true}
	}
	now := r.now()
	next := *current
	next.RefundedAt = &now
	next.LastAppliedEventID = ev.EventID
	return plan{booking: &next, expected: current.Version}
}

func (r *Reconciler) runHooks(ctx context.Context, booking *models.Booking, eventID string) {
	for _, h := range r.hooks {
		if err := h.OnCancelled(ctx, booking, eventID); err != nil {
			log.Errorf("[Reconciler] Cancellation hook failed for booking %s: %v", booking.BookingID, err)
		}
	}
}

func newBooking(ev Event, status models.BookingStatus) *models.Booking {
	b := &models.Booking{
		BookingID: ev.BookingID,
		Status:    status,
		Version:   1,
	}
	applyFields(b, ev)
	return b
}

// mutable returns a copy of current with the event's fields applied.
func mutable(current *models.Booking, ev Event) *models.Booking {
	next := *current
	applyFields(&next, ev)
	return &next
}

func applyFields(b *models.Booking, ev Event) {
	if ev.ConfirmationCode != "" {
		b.ConfirmationCode = ev.ConfirmationCode
	}
	if ev.ParentBookingID != "" {
		b.ParentBookingID = ev.ParentBookingID
	}
	f := ev.Fields
	if f.ProductTitle != nil {
		b.ProductTitle = *f.ProductTitle
	}
	if f.StartTime != nil {
		t := f.StartTime.UTC()
		b.StartTime = &t
	}
	if f.TotalPrice != nil {
		b.TotalPrice = *f.TotalPrice
	}
	if f.Currency != nil {
		b.Currency = *f.Currency
	}
	if f.CustomerName != nil {
		b.CustomerName = *f.CustomerName
	}
	if len(f.Details) > 0 && json.Valid(f.Details) {
		b.Details = datatypes.JSON(f.Details)
	}
	b.LastAppliedEventID = ev.EventID
}

func skipped(reason string) Outcome {
	return Outcome{Result: models.ResultSkipped, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Result: models.ResultError, Error: err.Error()}
}
