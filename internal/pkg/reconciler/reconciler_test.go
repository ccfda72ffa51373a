package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/testutil"
)

type recordingHook struct {
	calls []string
	err   error
}

func (h *recordingHook) OnCancelled(_ context.Context, b *models.Booking, eventID string) error {
	h.calls = append(h.calls, b.BookingID+"/"+eventID)
	return h.err
}

func newReconciler(t *testing.T, policy ReconfirmPolicy) (*Reconciler, repository.BookingRepository, *recordingHook) {
	t.Helper()
	bookings := repository.NewBookingRepository(testutil.NewDB(t))
	hook := &recordingHook{}
	return New(Config{ReconfirmAfterCancel: policy}, bookings, hook), bookings, hook
}

func strp(s string) *string { return &s }

func event(id string, action models.WebhookAction, status string) Event {
	return Event{
		EventID:          id,
		BookingID:        "42",
		ConfirmationCode: "ABC",
		Action:           action,
		ReportedStatus:   status,
	}
}

func status(t *testing.T, repo repository.BookingRepository) models.BookingStatus {
	t.Helper()
	b, err := repo.GetByBookingID(context.Background(), "42")
	require.NoError(t, err)
	return b.Status
}

func TestConfirmCreatesBooking(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	ev := event("e1", models.ActionConfirmed, "CONFIRMED")
	ev.Fields = Fields{ProductTitle: strp("Harbour tour"), TotalPrice: strp("99.00"), Currency: strp("EUR")}

	out := r.Apply(context.Background(), ev)
	require.Equal(t, models.ResultSuccess, out.Result, out.Error)
	require.NotNil(t, out.Transition)
	assert.Equal(t, models.BookingStatusConfirmed, out.Transition.To)

	b, err := repo.GetByBookingID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, b.Status)
	assert.Equal(t, "Harbour tour", b.ProductTitle)
	assert.Equal(t, "EUR", b.Currency)
	assert.Equal(t, "ABC", b.ConfirmationCode)
	assert.Equal(t, "e1", b.LastAppliedEventID)
	assert.NotNil(t, b.ConfirmedAt)
	assert.Equal(t, 1, b.Version)
}

func TestScenarioAStaleUpdateIsSkipped(t *testing.T) {
	r, repo, hook := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	require.Equal(t, models.ResultSuccess, r.Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED")).Result)
	require.Equal(t, models.ResultSuccess, r.Apply(ctx, event("e2", models.ActionItemCancelled, "CANCELLED")).Result)

	stale := event("e3", models.ActionUpdated, "CONFIRMED")
	stale.Classification = sequence.Classification{IsOutOfOrder: true, Rules: []sequence.Rule{sequence.RuleStaleUpdateAfterCancellation}}
	out := r.Apply(ctx, stale)

	assert.Equal(t, models.ResultSkipped, out.Result)
	assert.Equal(t, ReasonStaleUpdate, out.Reason)
	assert.Nil(t, out.Transition)
	assert.Equal(t, models.BookingStatusCancelled, status(t, repo))
	assert.Equal(t, []string{"42/e2"}, hook.calls)
}

func TestUpdateOnCancelledBookingWithoutFlagIsSkipped(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	r.Apply(ctx, event("e1", models.ActionItemCancelled, "CANCELLED"))
	out := r.Apply(ctx, event("e2", models.ActionUpdated, "CONFIRMED"))

	assert.Equal(t, models.ResultSkipped, out.Result)
	assert.Equal(t, ReasonUpdateAfterCancel, out.Reason)
	assert.Equal(t, models.BookingStatusCancelled, status(t, repo))
}

func TestScenarioBCancellationFirstStillApplies(t *testing.T) {
	r, repo, hook := newReconciler(t, ReconfirmSkip)
	ev := event("e1", models.ActionItemCancelled, "CANCELLED")
	ev.Classification = sequence.Classification{IsOutOfOrder: true, Rules: []sequence.Rule{sequence.RuleCancellationFirst}}

	out := r.Apply(context.Background(), ev)
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, models.BookingStatusCancelled, status(t, repo))
	assert.Equal(t, []string{"42/e1"}, hook.calls)
}

func TestIdempotentCancellation(t *testing.T) {
	r, repo, hook := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	r.Apply(ctx, event("e0", models.ActionConfirmed, "CONFIRMED"))
	first := r.Apply(ctx, event("e1", models.ActionItemCancelled, "CANCELLED"))
	second := r.Apply(ctx, event("e2", models.ActionItemCancelled, "CANCELLED"))

	require.Equal(t, models.ResultSuccess, first.Result)
	require.Equal(t, models.ResultSuccess, second.Result)
	assert.Equal(t, models.BookingStatusConfirmed, first.Transition.From)
	assert.Equal(t, models.BookingStatusCancelled, second.Transition.From)
	assert.Equal(t, models.BookingStatusCancelled, second.Transition.To)
	assert.Equal(t, models.BookingStatusCancelled, status(t, repo))
	assert.Len(t, hook.calls, 1, "side effects run once per actual cancellation")

	b, err := repo.GetByBookingID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, first.Booking.CancelledAt.Unix(), b.CancelledAt.Unix())
}

func TestUpdatedAssertingCancellationCancels(t *testing.T) {
	r, repo, hook := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	r.Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED"))
	out := r.Apply(ctx, event("e2", models.ActionUpdated, "canceled"))

	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, models.BookingStatusCancelled, status(t, repo))
	assert.Len(t, hook.calls, 1)
}

func TestReconfirmAfterCancel(t *testing.T) {
	tests := []struct {
		name     string
		policy   ReconfirmPolicy
		inferred bool
		result   models.ProcessingResult
		reason   string
		final    models.BookingStatus
	}{
		{name: "skip policy", policy: ReconfirmSkip, result: models.ResultSkipped, reason: ReasonReconfirmSkipped, final: models.BookingStatusCancelled},
		{name: "resurrect policy", policy: ReconfirmResurrect, result: models.ResultSuccess, final: models.BookingStatusConfirmed},
		{name: "inferred never resurrects", policy: ReconfirmResurrect, inferred: true, result: models.ResultSkipped, reason: ReasonInferredReconfirm, final: models.BookingStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo, _ := newReconciler(t, tt.policy)
			ctx := context.Background()
			r.Apply(ctx, event("e1", models.ActionItemCancelled, "CANCELLED"))

			ev := event("e2", models.ActionConfirmed, "CONFIRMED")
			ev.ActionInferred = tt.inferred
			out := r.Apply(ctx, ev)

			assert.Equal(t, tt.result, out.Result)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, tt.final, status(t, repo))
		})
	}
}

func TestConfirmDoesNotRegressTerminalStatus(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	r.Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED"))
	require.Equal(t, models.ResultSuccess, r.Apply(ctx, event("e2", models.ActionUpdated, "ARRIVED")).Result)

	ev := event("e3", models.ActionConfirmed, "CONFIRMED")
	ev.Fields = Fields{CustomerName: strp("Ada")}
	out := r.Apply(ctx, ev)
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Nil(t, out.Transition)

	b, err := repo.GetByBookingID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusArrived, b.Status)
	assert.Equal(t, "Ada", b.CustomerName)
	assert.Equal(t, 3, b.Version)
}

func TestUpdateAppliesFieldsAndLegalTransitions(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()
	r.Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED"))

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	ev := event("e2", models.ActionUpdated, "")
	ev.Fields = Fields{StartTime: &start, Details: []byte(`{"pax":3}`)}
	out := r.Apply(ctx, ev)
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Nil(t, out.Transition)

	illegal := r.Apply(ctx, event("e3", models.ActionUpdated, "PENDING"))
	assert.Equal(t, models.ResultSuccess, illegal.Result)
	assert.Nil(t, illegal.Transition)

	b, err := repo.GetByBookingID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, models.BookingStatusConfirmed, b.Status)
	require.NotNil(t, b.StartTime)
	assert.True(t, start.Equal(*b.StartTime))
	assert.JSONEq(t, `{"pax":3}`, string(b.Details))

	done := r.Apply(ctx, event("e4", models.ActionUpdated, "COMPLETED"))
	require.NotNil(t, done.Transition)
	assert.Equal(t, models.BookingStatusCompleted, done.Transition.To)
}

func TestUpdateForUnknownBookingCreatesIt(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	out := r.Apply(context.Background(), event("e1", models.ActionUpdated, "IMPORTED"))
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, models.BookingStatusImported, status(t, repo))
}

func TestRefund(t *testing.T) {
	r, repo, _ := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	out := r.Apply(ctx, event("p1", models.ActionRefunded, ""))
	assert.Equal(t, models.ResultSkipped, out.Result)
	assert.Equal(t, ReasonRefundUnknownBooking, out.Reason)

	r.Apply(ctx, event("e1", models.ActionItemCancelled, "CANCELLED"))
	out = r.Apply(ctx, event("p2", models.ActionRefunded, ""))
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Nil(t, out.Transition)

	b, err := repo.GetByBookingID(ctx, "42")
	require.NoError(t, err)
	assert.NotNil(t, b.RefundedAt)
	assert.Equal(t, models.BookingStatusCancelled, b.Status)

	again := r.Apply(ctx, event("p3", models.ActionRefunded, ""))
	assert.Equal(t, models.ResultSuccess, again.Result)
	assert.Equal(t, "already applied", again.Reason)
}

func TestUnknownAndMissingIdentityAreSkipped(t *testing.T) {
	r, _, _ := newReconciler(t, ReconfirmSkip)
	ctx := context.Background()

	assert.Equal(t, ReasonUnknownAction, r.Apply(ctx, event("e1", models.ActionUnknown, "")).Reason)

	ev := event("e2", models.ActionConfirmed, "CONFIRMED")
	ev.BookingID = ""
	assert.Equal(t, ReasonMissingBookingID, r.Apply(ctx, ev).Reason)
}

// conflictingRepo loses the first n optimistic updates.
type conflictingRepo struct {
	repository.BookingRepository
	conflicts int
	calls     int
}

func (c *conflictingRepo) UpdateWithVersion(ctx context.Context, b *models.Booking, expected int) error {
	c.calls++
	if c.calls <= c.conflicts {
		return repository.ErrVersionConflict
	}
	return c.BookingRepository.UpdateWithVersion(ctx, b, expected)
}

func TestVersionConflictRetries(t *testing.T) {
	base := repository.NewBookingRepository(testutil.NewDB(t))
	ctx := context.Background()
	require.Equal(t, models.ResultSuccess, New(Config{}, base).Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED")).Result)

	repo := &conflictingRepo{BookingRepository: base, conflicts: 2}
	out := New(Config{MaxAttempts: 3}, repo).Apply(ctx, event("e2", models.ActionItemCancelled, "CANCELLED"))
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Equal(t, 3, repo.calls)

	repo = &conflictingRepo{BookingRepository: base, conflicts: 10}
	out = New(Config{MaxAttempts: 3}, repo).Apply(ctx, event("e3", models.ActionUpdated, "CANCELLED"))
	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Error, "version conflict")
}

type failingRepo struct {
	repository.BookingRepository
}

func (failingRepo) GetByBookingID(context.Context, string) (*models.Booking, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailureIsError(t *testing.T) {
	r := New(Config{}, failingRepo{})
	out := r.Apply(context.Background(), event("e1", models.ActionItemCancelled, "CANCELLED"))
	assert.Equal(t, models.ResultError, out.Result)
	assert.Contains(t, out.Error, "connection reset")
}

func TestHookFailureDoesNotFailCancellation(t *testing.T) {
	bookings := repository.NewBookingRepository(testutil.NewDB(t))
	hook := &recordingHook{err: errors.New("queue down")}
	out := New(Config{}, bookings, hook).Apply(context.Background(), event("e1", models.ActionItemCancelled, "CANCELLED"))
	assert.Equal(t, models.ResultSuccess, out.Result)
	assert.Len(t, hook.calls, 1)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ReconfirmAfterCancel: "maybe"}
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ReconfirmSkip, cfg.ReconfirmAfterCancel)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
}

func TestNewFallsBackOnInvalidConfig(t *testing.T) {
	r := New(Config{ReconfirmAfterCancel: "maybe"}, repository.NewBookingRepository(testutil.NewDB(t)))
	assert.Equal(t, ReconfirmSkip, r.cfg.ReconfirmAfterCancel)
	assert.Equal(t, DefaultMaxAttempts, r.cfg.MaxAttempts)

	ctx := context.Background()
	require.Equal(t, models.ResultSuccess, r.Apply(ctx, event("e1", models.ActionConfirmed, "CONFIRMED")).Result)
	require.Equal(t, models.ResultSuccess, r.Apply(ctx, event("e2", models.ActionItemCancelled, "CANCELLED")).Result)
	out := r.Apply(ctx, event("e3", models.ActionConfirmed, "CONFIRMED"))
	assert.Equal(t, models.ResultSkipped, out.Result)
	assert.Equal(t, ReasonReconfirmSkipped, out.Reason)
}
