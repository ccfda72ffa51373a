// Package audit is the durable, append-only log of every inbound webhook,
// its classification and its processing outcome.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/payloadstore"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ErrConfirmationCodeRequired is returned by DetectIssues for an empty code.
var ErrConfirmationCodeRequired = errors.New("confirmation code is required")

// Offloader moves large payloads to blob storage.
type Offloader interface {
	ShouldOffload(size int) bool
	Upload(ctx context.Context, payload []byte, bookingKey string, sourceType models.SourceType) (payloadstore.Ref, error)
}

// Received describes a delivery at the moment it is accepted.
type Received struct {
	EventID          string
	BookingKey       string
	BookingID        string
	ConfirmationCode string
	ParentBookingID  string
	Action           models.WebhookAction
	ActionInferred   bool
	ReportedStatus   string
	SourceType       models.SourceType
	SignatureValid   bool
	ReceivedAt       time.Time
	Payload          []byte
	Classification   sequence.Classification
}

// Handle identifies a recorded row for the later processing updates.
type Handle struct {
	ID         uint
	EventID    string
	BookingKey string
	ReceivedAt time.Time
	StartedAt  *time.Time
	Offloaded  bool
}

// Transition is a status change applied to a booking aggregate.
type Transition struct {
	From models.BookingStatus
	To   models.BookingStatus
}

// Completion is the processing outcome written onto a row.
type Completion struct {
	Result     models.ProcessingResult
	Error      string
	Transition *Transition
}

// Service records and queries the webhook audit log.
type Service struct {
	events    repository.WebhookEventRepository
	offloader Offloader
	window    int
	tolerance time.Duration
	now       func() time.Time
}

// NewService creates the audit log. offloader may be nil to keep every
// payload inline. window and tolerance must match the live analyzer.
func NewService(events repository.WebhookEventRepository, offloader Offloader, cfg sequence.Config) *Service {
	window := cfg.Window
	if window <= 0 {
		window = sequence.DefaultWindow
	}
	return &Service{
		events:    events,
		offloader: offloader,
		window:    window,
		tolerance: cfg.Tolerance,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordReceived persists a new row. An offload failure never fails the
// call: the payload is kept inline instead.
func (s *Service) RecordReceived(ctx context.Context, r Received) (Handle, error) {
	if r.EventID == "" {
		r.EventID = uuid.New().String()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = s.now()
	}
	payload := normalizePayload(r.Payload)

	row := &models.WebhookEvent{
		EventID:          r.EventID,
		BookingKey:       r.BookingKey,
		BookingID:        r.BookingID,
		ConfirmationCode: r.ConfirmationCode,
		ParentBookingID:  r.ParentBookingID,
		Action:           r.Action,
		ActionInferred:   r.ActionInferred,
		ReportedStatus:   r.ReportedStatus,
		SourceType:       r.SourceType,
		SignatureValid:   r.SignatureValid,
		ReceivedAt:       r.ReceivedAt.UTC(),
		Payload:          datatypes.JSON(payload),
		PayloadSize:      len(payload),
		SequenceNumber:   r.Classification.SequenceNumber,
		IsDuplicate:      r.Classification.IsDuplicate,
		IsOutOfOrder:     r.Classification.IsOutOfOrder,
		Issues:           r.Classification.RuleNames(),
	}

	if s.offloader != nil && s.offloader.ShouldOffload(len(payload)) {
		ref, err := s.offloader.Upload(ctx, payload, r.BookingKey, r.SourceType)
		if err != nil {
			log.Warnf("[Audit] Offload failed for event %s, storing inline: %v", r.EventID, err)
		} else if summary, merr := json.Marshal(payloadstore.Summarize(payload)); merr == nil {
			row.Payload = datatypes.JSON(summary)
			row.StorageKey = ref.StorageKey
			row.Checksum = ref.Checksum
		}
	}

	if err := s.events.Create(ctx, row); err != nil {
		return Handle{}, fmt.Errorf("record webhook %s: %w", r.EventID, err)
	}
	return Handle{
		ID:         row.ID,
		EventID:    row.EventID,
		BookingKey: row.BookingKey,
		ReceivedAt: row.ReceivedAt,
		Offloaded:  row.IsOffloaded(),
	}, nil
}

// RecordProcessingStart stamps the start of reconciliation.
func (s *Service) RecordProcessingStart(ctx context.Context, h *Handle) error {
	at := s.now()
	if err := s.events.MarkProcessingStarted(ctx, h.ID, at); err != nil {
		return fmt.Errorf("record processing start for %s: %w", h.EventID, err)
	}
	h.StartedAt = &at
	return nil
}

// RecordProcessingComplete writes the outcome. Duration is measured from the
// processing start, or from receipt when no start was recorded.
func (s *Service) RecordProcessingComplete(ctx context.Context, h *Handle, c Completion) error {
	completed := s.now()
	from := h.ReceivedAt
	if h.StartedAt != nil {
		from = *h.StartedAt
	}
	var duration *int64
	if !from.IsZero() {
		ms := completed.Sub(from).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		duration = &ms
	}

	pc := repository.ProcessingCompletion{
		CompletedAt:  completed,
		DurationMs:   duration,
		Result:       c.Result,
		ErrorMessage: c.Error,
	}
	if c.Transition != nil {
		pc.StatusFrom = string(c.Transition.From)
		pc.StatusTo = string(c.Transition.To)
	}
	if err := s.events.MarkProcessingCompleted(ctx, h.ID, pc); err != nil {
		return fmt.Errorf("record processing result for %s: %w", h.EventID, err)
	}
	return nil
}

// History returns the rows of a booking key, most recent first.
func (s *Service) History(ctx context.Context, bookingKey string, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	events, err := s.events.ListByBookingKey(ctx, bookingKey, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.WebhookEvent{}
	}
	return events, nil
}

// Get returns a single row by event id.
func (s *Service) Get(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	return s.events.GetByEventID(ctx, eventID)
}

// RecentEntries returns the last n entries of a key in arrival order, so the
// live analyzer can be seeded from the durable log.
func (s *Service) RecentEntries(ctx context.Context, bookingKey string, n int) ([]sequence.Entry, error) {
	events, err := s.events.ListLatestByBookingKey(ctx, bookingKey, n)
	if err != nil {
		return nil, err
	}
	entries := make([]sequence.Entry, 0, len(events))
	for i := range events {
		entries = append(entries, EntryFromEvent(&events[i]))
	}
	return entries, nil
}

// EntryFromEvent converts a stored row to a sequence entry.
func EntryFromEvent(e *models.WebhookEvent) sequence.Entry {
	return sequence.Entry{
		EventID:    e.EventID,
		Action:     e.Action,
		Status:     e.ReportedStatus,
		ReceivedAt: e.ReceivedAt,
	}
}

// normalizePayload guarantees a JSON document for the payload column.
func normalizePayload(payload []byte) []byte {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return []byte("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"_raw": string(payload)})
	if err != nil {
		return []byte("{}")
	}
	return wrapped
}
