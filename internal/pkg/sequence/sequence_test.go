package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BookingRelay/app/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, action models.WebhookAction, status string, at time.Time) Entry {
	return Entry{EventID: id, Action: action, Status: status, ReceivedAt: at}
}

func TestEvaluate(t *testing.T) {
	confirmed := entry("e1", models.ActionConfirmed, "CONFIRMED", t0)
	cancelled := entry("e2", models.ActionItemCancelled, "CANCELLED", t0.Add(time.Minute))

	tests := []struct {
		name       string
		prior      []Entry
		candidate  Entry
		duplicate  bool
		outOfOrder bool
		rules      []Rule
	}{
		{
			name:      "first confirmation is normal",
			candidate: confirmed,
		},
		{
			name:       "cancellation with empty history",
			candidate:  cancelled,
			outOfOrder: true,
			rules:      []Rule{RuleCancellationFirst},
		},
		{
			name:      "cancellation after confirmation",
			prior:     []Entry{confirmed},
			candidate: cancelled,
		},
		{
			name:       "cancellation after only cancellations",
			prior:      []Entry{cancelled},
			candidate:  entry("e3", models.ActionItemCancelled, "CANCELLED", t0.Add(time.Hour)),
			outOfOrder: true,
			rules:      []Rule{RuleCancellationFirst},
		},
		{
			name:       "stale update after cancellation",
			prior:      []Entry{confirmed, cancelled},
			candidate:  entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute)),
			outOfOrder: true,
			rules:      []Rule{RuleStaleUpdateAfterCancellation},
		},
		{
			name:      "update asserting cancellation is not stale",
			prior:     []Entry{confirmed, cancelled},
			candidate: entry("e3", models.ActionUpdated, "CANCELLED", t0.Add(2*time.Minute)),
		},
		{
			name:       "updated status cancelled counts as prior cancellation",
			prior:      []Entry{confirmed, entry("e2", models.ActionUpdated, "canceled", t0.Add(time.Minute))},
			candidate:  entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute)),
			outOfOrder: true,
			rules:      []Rule{RuleStaleUpdateAfterCancellation},
		},
		{
			name:      "duplicate within tolerance",
			prior:     []Entry{confirmed},
			candidate: entry("e9", models.ActionConfirmed, "confirmed", t0.Add(3*time.Second)),
			duplicate: true,
		},
		{
			name:      "duplicate earlier than prior still within tolerance",
			prior:     []Entry{confirmed},
			candidate: entry("e9", models.ActionConfirmed, "CONFIRMED", t0.Add(-2*time.Second)),
			duplicate: true,
		},
		{
			name:      "same action outside tolerance",
			prior:     []Entry{confirmed},
			candidate: entry("e9", models.ActionConfirmed, "CONFIRMED", t0.Add(6*time.Second)),
		},
		{
			name:      "different status is not a duplicate",
			prior:     []Entry{confirmed},
			candidate: entry("e9", models.ActionConfirmed, "PENDING", t0.Add(time.Second)),
		},
		{
			name:      "zero timestamp is never a duplicate",
			prior:     []Entry{confirmed},
			candidate: entry("e9", models.ActionConfirmed, "CONFIRMED", time.Time{}),
		},
		{
			name:       "duplicate and out of order together",
			prior:      []Entry{cancelled},
			candidate:  entry("e9", models.ActionItemCancelled, "CANCELLED", cancelled.ReceivedAt.Add(time.Second)),
			duplicate:  true,
			outOfOrder: true,
			rules:      []Rule{RuleCancellationFirst},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.prior, tt.candidate, DefaultTolerance)
			assert.Equal(t, tt.duplicate, got.IsDuplicate)
			assert.Equal(t, tt.outOfOrder, got.IsOutOfOrder)
			assert.Equal(t, tt.rules, got.Rules)
		})
	}
}

func TestClassificationRuleNames(t *testing.T) {
	c := Classification{Rules: []Rule{RuleCancellationFirst, RuleStaleUpdateAfterCancellation}}
	assert.Equal(t, "cancellation_first,stale_update_after_cancellation", c.RuleNames())
	assert.True(t, c.Has(RuleCancellationFirst))
	assert.Equal(t, "", Classification{}.RuleNames())
}

func TestAnalyzerObserveAppendsAndNumbers(t *testing.T) {
	a := NewAnalyzer(Config{Window: 3, Tolerance: DefaultTolerance}, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		c := a.Observe(ctx, "b1:c1", entry("e", models.ActionUpdated, "CONFIRMED", t0.Add(time.Duration(i)*time.Minute)))
		want := i
		if want > 3 {
			want = 3
		}
		assert.Equal(t, want, c.SequenceNumber)
	}
	assert.Len(t, a.Snapshot("b1:c1"), 3)
	assert.Equal(t, t0.Add(5*time.Minute), a.Snapshot("b1:c1")[2].ReceivedAt)
}

func TestAnalyzerClassifyLeavesHistoryUntilCommit(t *testing.T) {
	a := NewAnalyzer(Config{}, nil)
	ctx := context.Background()
	a.Observe(ctx, "42:ABC", entry("e1", models.ActionConfirmed, "CONFIRMED", t0))

	cancel := a.Classify(ctx, "42:ABC", entry("e2", models.ActionItemCancelled, "CANCELLED", t0.Add(time.Minute)))
	assert.Equal(t, 2, cancel.SequenceNumber)
	assert.Len(t, a.Snapshot("42:ABC"), 1)

	update := a.Classify(ctx, "42:ABC", entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute)))
	assert.False(t, update.IsOutOfOrder)
	assert.Equal(t, 2, update.SequenceNumber)

	a.Commit(update)
	require.Len(t, a.Snapshot("42:ABC"), 2)
	assert.Equal(t, "e3", a.Snapshot("42:ABC")[1].EventID)

	durable := NewAnalyzer(Config{DurableOnly: true}, nil)
	durable.Commit(durable.Classify(ctx, "42:ABC", entry("e1", models.ActionConfirmed, "CONFIRMED", t0)))
	assert.Equal(t, 0, durable.Len())
}

func TestAnalyzerScenarioA(t *testing.T) {
	a := NewAnalyzer(Config{}, nil)
	ctx := context.Background()
	key := "b1:c1"

	c1 := a.Observe(ctx, key, entry("e1", models.ActionConfirmed, "CONFIRMED", t0))
	c2 := a.Observe(ctx, key, entry("e2", models.ActionItemCancelled, "CANCELLED", t0.Add(time.Minute)))
	c3 := a.Observe(ctx, key, entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute)))

	assert.False(t, c1.IsOutOfOrder)
	assert.False(t, c2.IsOutOfOrder)
	assert.True(t, c3.IsOutOfOrder)
	assert.True(t, c3.Has(RuleStaleUpdateAfterCancellation))
}

func TestAnalyzerKeysAreIndependent(t *testing.T) {
	a := NewAnalyzer(Config{}, nil)
	ctx := context.Background()

	a.Observe(ctx, "b1:c1", entry("e1", models.ActionItemCancelled, "CANCELLED", t0))
	c := a.Observe(ctx, "b2:c2", entry("e2", models.ActionUpdated, "CONFIRMED", t0))
	assert.False(t, c.IsOutOfOrder)
}

type fakeSource struct {
	entries []Entry
	err     error
	calls   int
}

func (f *fakeSource) RecentEntries(_ context.Context, _ string, n int) ([]Entry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if len(f.entries) > n {
		return f.entries[len(f.entries)-n:], nil
	}
	return f.entries, nil
}

func TestAnalyzerSeedsFromHistorySource(t *testing.T) {
	src := &fakeSource{entries: []Entry{
		entry("e1", models.ActionConfirmed, "CONFIRMED", t0),
		entry("e2", models.ActionItemCancelled, "CANCELLED", t0.Add(time.Minute)),
	}}
	a := NewAnalyzer(Config{}, src)
	ctx := context.Background()

	c := a.Observe(ctx, "b1:c1", entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(time.Hour)))
	assert.True(t, c.IsOutOfOrder)
	assert.Equal(t, 3, c.SequenceNumber)

	a.Observe(ctx, "b1:c1", entry("e4", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Hour)))
	assert.Equal(t, 1, src.calls, "cached keys are not reseeded")
}

func TestAnalyzerDurableOnlyAlwaysReads(t *testing.T) {
	src := &fakeSource{}
	a := NewAnalyzer(Config{DurableOnly: true}, src)
	ctx := context.Background()

	a.Observe(ctx, "b1:c1", entry("e1", models.ActionConfirmed, "CONFIRMED", t0))
	a.Observe(ctx, "b1:c1", entry("e2", models.ActionConfirmed, "CONFIRMED", t0))
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 0, a.Len())
}

func TestAnalyzerSourceErrorDegrades(t *testing.T) {
	a := NewAnalyzer(Config{}, &fakeSource{err: errors.New("db down")})
	c := a.Observe(context.Background(), "b1:c1", entry("e1", models.ActionUpdated, "CONFIRMED", t0))
	assert.False(t, c.IsOutOfOrder)
	assert.Equal(t, 1, c.SequenceNumber)
}

func TestAnalyzerEvictsLeastRecentlyUsedKey(t *testing.T) {
	a := NewAnalyzer(Config{MaxKeys: 2}, nil)
	ctx := context.Background()

	a.Observe(ctx, "k1", entry("e1", models.ActionConfirmed, "CONFIRMED", t0))
	a.Observe(ctx, "k2", entry("e2", models.ActionConfirmed, "CONFIRMED", t0))
	a.Observe(ctx, "k1", entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(time.Minute)))
	a.Observe(ctx, "k3", entry("e4", models.ActionConfirmed, "CONFIRMED", t0))

	require.Equal(t, 2, a.Len())
	assert.Empty(t, a.Snapshot("k2"))
	assert.Len(t, a.Snapshot("k1"), 2)
}

func TestReplayMatchesLiveAnalyzer(t *testing.T) {
	seq := []Entry{
		entry("e1", models.ActionItemCancelled, "CANCELLED", t0),
		entry("e2", models.ActionConfirmed, "CONFIRMED", t0.Add(time.Minute)),
		entry("e3", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute)),
		entry("e4", models.ActionUpdated, "CONFIRMED", t0.Add(2*time.Minute+time.Second)),
	}

	a := NewAnalyzer(Config{Window: 3}, nil)
	findings := Replay(seq, 3, DefaultTolerance)
	require.Len(t, findings, len(seq))
	for i, e := range seq {
		live := a.Observe(context.Background(), "k", e)
		assert.Equal(t, live, findings[i].Classification, "entry %d", i)
	}
	assert.True(t, findings[0].Classification.Has(RuleCancellationFirst))
	assert.True(t, findings[2].Classification.Has(RuleStaleUpdateAfterCancellation))
	assert.True(t, findings[3].Classification.IsDuplicate)
}
