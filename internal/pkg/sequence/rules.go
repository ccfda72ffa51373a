package sequence

import (
	"strings"
	"time"

	"github.com/ManuelReschke/BookingRelay/app/models"
)

// Rule names an out-of-order predicate.
type Rule string

const (
	// RuleCancellationFirst flags a cancellation that has no earlier
	// non-cancellation event for the same booking key.
	RuleCancellationFirst Rule = "cancellation_first"
	// RuleStaleUpdateAfterCancellation flags an UPDATED event carrying a
	// non-cancelled status after cancellation was already asserted.
	RuleStaleUpdateAfterCancellation Rule = "stale_update_after_cancellation"
)

// Entry is one observed event in a booking key's history.
type Entry struct {
	EventID    string
	Action     models.WebhookAction
	Status     string
	ReceivedAt time.Time
}

// AssertsCancellation reports whether the entry claims the booking is cancelled.
func (e Entry) AssertsCancellation() bool {
	return e.Action == models.ActionItemCancelled || models.IsCancelledStatus(e.Status)
}

// Classification is the verdict for one candidate event.
type Classification struct {
	IsDuplicate    bool
	DuplicateOf    string
	IsOutOfOrder   bool
	Rules          []Rule
	SequenceNumber int
}

// Has reports whether the given out-of-order rule fired.
func (c Classification) Has(rule Rule) bool {
	for _, r := range c.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// RuleNames returns the fired rules as a comma separated list for storage.
func (c Classification) RuleNames() string {
	names := make([]string, 0, len(c.Rules))
	for _, r := range c.Rules {
		names = append(names, string(r))
	}
	return strings.Join(names, ",")
}

// FindDuplicate returns the prior entry the candidate duplicates, if any.
// Entries with a zero timestamp are never considered within tolerance.
func FindDuplicate(prior []Entry, candidate Entry, tolerance time.Duration) (Entry, bool) {
	if candidate.ReceivedAt.IsZero() {
		return Entry{}, false
	}
	for i := len(prior) - 1; i >= 0; i-- {
		p := prior[i]
		if p.Action != candidate.Action || !sameStatus(p.Status, candidate.Status) {
			continue
		}
		if p.ReceivedAt.IsZero() {
			continue
		}
		delta := candidate.ReceivedAt.Sub(p.ReceivedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tolerance {
			return p, true
		}
	}
	return Entry{}, false
}

// CancellationFirst implements RuleCancellationFirst.
func CancellationFirst(prior []Entry, candidate Entry) bool {
	if !candidate.AssertsCancellation() {
		return false
	}
	for _, p := range prior {
		if !p.AssertsCancellation() {
			return false
		}
	}
	return true
}

// StaleUpdateAfterCancellation implements RuleStaleUpdateAfterCancellation.
func StaleUpdateAfterCancellation(prior []Entry, candidate Entry) bool {
	if candidate.Action != models.ActionUpdated || models.IsCancelledStatus(candidate.Status) {
		return false
	}
	for _, p := range prior {
		if p.AssertsCancellation() {
			return true
		}
	}
	return false
}

// Evaluate classifies candidate against the prior entries. It is the single
// implementation shared by live ingestion and the post-hoc audit replay.
func Evaluate(prior []Entry, candidate Entry, tolerance time.Duration) Classification {
	var c Classification
	if dup, ok := FindDuplicate(prior, candidate, tolerance); ok {
		c.IsDuplicate = true
		c.DuplicateOf = dup.EventID
	}
	if CancellationFirst(prior, candidate) {
		c.Rules = append(c.Rules, RuleCancellationFirst)
	}
	if StaleUpdateAfterCancellation(prior, candidate) {
		c.Rules = append(c.Rules, RuleStaleUpdateAfterCancellation)
	}
	c.IsOutOfOrder = len(c.Rules) > 0
	return c
}

// Finding is a classification computed for one stored event during replay.
type Finding struct {
	Entry          Entry
	Classification Classification
}

// Replay walks a full ordered sequence and classifies each entry against the
// bounded window that preceded it, exactly as the live analyzer would have.
func Replay(entries []Entry, window int, tolerance time.Duration) []Finding {
	if window <= 0 {
		window = DefaultWindow
	}
	findings := make([]Finding, 0, len(entries))
	for i, e := range entries {
		start := i - window
		if start < 0 {
			start = 0
		}
		c := Evaluate(entries[start:i], e, tolerance)
		c.SequenceNumber = i - start + 1
		if c.SequenceNumber > window {
			c.SequenceNumber = window
		}
		findings = append(findings, Finding{Entry: e, Classification: c})
	}
	return findings
}

func sameStatus(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
