package audit

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
)

// Issue is one event the replay classified as duplicate or out of order.
type Issue struct {
	EventID        string               `json:"event_id"`
	BookingKey     string               `json:"booking_key"`
	Action         models.WebhookAction `json:"action"`
	ReportedStatus string               `json:"reported_status"`
	ReceivedAt     time.Time            `json:"received_at"`
	SequenceNumber int                  `json:"sequence_number"`
	IsDuplicate    bool                 `json:"is_duplicate"`
	DuplicateOf    string               `json:"duplicate_of,omitempty"`
	IsOutOfOrder   bool                 `json:"is_out_of_order"`
	Rules          []string             `json:"rules"`
	Result         string               `json:"processing_result"`
	// FlagDrift is set when the flags stored at ingestion differ from the
	// replay, e.g. because live history was lost on a restart.
	FlagDrift bool `json:"flag_drift"`
}

// IssueReport is the post-hoc audit of one confirmation code.
type IssueReport struct {
	ConfirmationCode string                `json:"confirmation_code"`
	EventCount       int                   `json:"event_count"`
	Issues           []Issue               `json:"issues"`
	FullSequence     []models.WebhookEvent `json:"full_sequence"`
}

// DetectIssues replays the stored sequence of a confirmation code through
// the same predicates the live analyzer uses, one booking key at a time.
// Recorded-only rows are reported in the full sequence but not replayed.
func (s *Service) DetectIssues(ctx context.Context, confirmationCode string) (IssueReport, error) {
	code := strings.TrimSpace(confirmationCode)
	if code == "" {
		return IssueReport{}, ErrConfirmationCodeRequired
	}
	events, err := s.events.ListByConfirmationCode(ctx, code)
	if err != nil {
		return IssueReport{}, err
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}

	report := IssueReport{
		ConfirmationCode: code,
		EventCount:       len(events),
		Issues:           []Issue{},
		FullSequence:     events,
	}

	var keys []string
	byKey := make(map[string][]int)
	for i := range events {
		if !events[i].InSequence() {
			continue
		}
		k := events[i].BookingKey
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], i)
	}

	for _, k := range keys {
		idx := byKey[k]
		entries := make([]sequence.Entry, len(idx))
		for j, i := range idx {
			entries[j] = EntryFromEvent(&events[i])
		}
		for j, f := range sequence.Replay(entries, s.window, s.tolerance) {
			row := &events[idx[j]]
			c := f.Classification
			drift := row.IsOutOfOrder != c.IsOutOfOrder || row.IsDuplicate != c.IsDuplicate
			if !c.IsDuplicate && !c.IsOutOfOrder && !drift {
				continue
			}
			rules := make([]string, 0, len(c.Rules))
			for _, r := range c.Rules {
				rules = append(rules, string(r))
			}
			report.Issues = append(report.Issues, Issue{
				EventID:        row.EventID,
				BookingKey:     row.BookingKey,
				Action:         row.Action,
				ReportedStatus: row.ReportedStatus,
				ReceivedAt:     row.ReceivedAt,
				SequenceNumber: c.SequenceNumber,
				IsDuplicate:    c.IsDuplicate,
				DuplicateOf:    c.DuplicateOf,
				IsOutOfOrder:   c.IsOutOfOrder,
				Rules:          rules,
				Result:         string(row.ProcessingResult),
				FlagDrift:      drift,
			})
		}
	}
	return report, nil
}
