// Package ingest accepts webhook deliveries, classifies them against the
// booking's recent history, records them in the audit log and hands them to
// the reconciler.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/audit"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/keylock"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/reconciler"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
)

const DefaultStoreTimeout = 5 * time.Second

var (
	// ErrInvalidSignature is returned alongside the recorded result when the
	// signature check fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrNotRecorded means the audit row could not be written.
	ErrNotRecorded = errors.New("webhook could not be recorded")
)

// Outcome is the coarse result reported back to the producer.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeErrored Outcome = "errored"
)

// Config holds pipeline settings
type Config struct {
	Secret       string
	StoreTimeout time.Duration
}

// LoadConfig reads the pipeline settings from the environment
func LoadConfig() *Config {
	cfg := &Config{
		Secret:       env.GetEnv("WEBHOOK_SECRET", ""),
		StoreTimeout: env.GetDuration("STORE_TIMEOUT", DefaultStoreTimeout),
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Secret == "" {
		log.Warn("[Ingest] WEBHOOK_SECRET is not set, signatures are not checked")
	}
	return cfg
}

// Request is one inbound delivery.
type Request struct {
	Source    string
	Body      []byte
	Signature string
	// Trusted skips the signature check for operator redeliveries.
	Trusted bool
}

// TransitionView is the status change reported to callers.
type TransitionView struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Result is what the pipeline reports for a delivery.
type Result struct {
	Outcome        Outcome                 `json:"outcome"`
	EventID        string                  `json:"eventId"`
	BookingKey     string                  `json:"bookingKey"`
	Result         models.ProcessingResult `json:"result"`
	Reason         string                  `json:"reason,omitempty"`
	Error          string                  `json:"error,omitempty"`
	IsDuplicate    bool                    `json:"isDuplicate"`
	IsOutOfOrder   bool                    `json:"isOutOfOrder"`
	Issues         []string                `json:"issues,omitempty"`
	SequenceNumber int                     `json:"sequenceNumber"`
	Transition     *TransitionView         `json:"transition,omitempty"`
}

// Observer receives per-delivery timings.
type Observer interface {
	ObserveWebhook(source, outcome string, took time.Duration)
}

// PayloadFetcher returns the full payload of a stored row.
type PayloadFetcher interface {
	FetchFull(ctx context.Context, row *models.WebhookEvent) json.RawMessage
}

// Pipeline wires classification, audit and reconciliation together.
type Pipeline struct {
	cfg        Config
	locks      *keylock.Locker
	analyzer   *sequence.Analyzer
	audit      *audit.Service
	reconciler *reconciler.Reconciler
	payloads   PayloadFetcher
	observer   Observer
	now        func() time.Time
}

// New creates a pipeline. payloads and observer may be nil.
func New(cfg Config, analyzer *sequence.Analyzer, auditLog *audit.Service, rec *reconciler.Reconciler, payloads PayloadFetcher, observer Observer) *Pipeline {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Pipeline{
		cfg:        cfg,
		locks:      keylock.New(),
		analyzer:   analyzer,
		audit:      auditLog,
		reconciler: rec,
		payloads:   payloads,
		observer:   observer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one delivery. Exactly one audit row is written per call
// unless the log itself is unavailable, in which case ErrNotRecorded is
// returned and the producer should redeliver.
func (p *Pipeline) Handle(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	receivedAt := p.now()
	source, _ := models.ParseSourceType(req.Source)
	d := Parse(source, req.Body)

	res, err := p.handle(ctx, req, d, receivedAt)
	if p.observer != nil {
		p.observer.ObserveWebhook(string(d.Source), string(res.Outcome), time.Since(started))
	}
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, req Request, d Delivery, receivedAt time.Time) (Result, error) {
	eventID := uuid.New().String()
	key := d.BookingKey()
	if len(d.Dropped) > 0 {
		log.Infof("[Ingest] Webhook %s: ignored invalid fields %s", eventID, strings.Join(d.Dropped, ","))
	}
	received := audit.Received{
		EventID:          eventID,
		BookingKey:       key,
		BookingID:        d.BookingID,
		ConfirmationCode: d.ConfirmationCode,
		ParentBookingID:  d.ParentBookingID,
		Action:           d.Action.Value,
		ActionInferred:   d.Action.Inferred,
		ReportedStatus:   d.Status,
		SourceType:       d.Source,
		SignatureValid:   req.Trusted || VerifySignature(p.cfg.Secret, req.Body, req.Signature),
		ReceivedAt:       receivedAt,
		Payload:          req.Body,
	}

	if !received.SignatureValid {
		log.Warnf("[Ingest] Rejected %s webhook %s: invalid signature", d.Source, eventID)
		res, err := p.recordOnly(ctx, received, models.ResultError, ErrInvalidSignature.Error())
		if err != nil {
			return res, err
		}
		return res, ErrInvalidSignature
	}
	if !d.HasIdentity() {
		reason := d.ParseError
		if reason == "" {
			reason = d.IdentityError
		}
		log.Infof("[Ingest] Skipping %s webhook %s: %s", d.Source, eventID, reason)
		return p.recordOnly(ctx, received, models.ResultSkipped, reason)
	}

	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return p.recordOnly(context.WithoutCancel(ctx), received, models.ResultError, fmt.Sprintf("acquire booking lock: %v", err))
	}
	defer unlock()

	var obs sequence.Observation
	_ = p.withTimeout(ctx, func(ctx context.Context) error {
		obs = p.analyzer.Classify(ctx, key, sequence.Entry{
			EventID:    eventID,
			Action:     d.Action.Value,
			Status:     d.Status,
			ReceivedAt: receivedAt,
		})
		return nil
	})
	received.Classification = obs.Classification
	c := received.Classification
	if c.IsDuplicate || c.IsOutOfOrder {
		log.Infof("[Ingest] Webhook %s for %s flagged: duplicate=%t rules=%s", eventID, key, c.IsDuplicate, c.RuleNames())
	}

	handle, err := p.recordReceived(ctx, received)
	if err != nil {
		return p.errored(received, err), fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	// Only recorded events join the live history.
	p.analyzer.Commit(obs)

	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.audit.RecordProcessingStart(ctx, &handle)
	}); err != nil {
		log.Warnf("[Ingest] %v", err)
	}

	outcome := p.apply(ctx, d, received)

	completion := audit.Completion{Result: outcome.Result, Error: outcome.Error, Transition: outcome.Transition}
	if outcome.Result == models.ResultSkipped {
		completion.Error = outcome.Reason
	}
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.audit.RecordProcessingComplete(ctx, &handle, completion)
	}); err != nil {
		log.Errorf("[Ingest] %v", err)
	}

	res := resultFor(received, outcome.Result)
	res.Reason = outcome.Reason
	res.Error = outcome.Error
	if outcome.Transition != nil {
		res.Transition = &TransitionView{From: string(outcome.Transition.From), To: string(outcome.Transition.To)}
	}
	if outcome.Result == models.ResultError {
		log.Errorf("[Ingest] Webhook %s for %s failed: %s", eventID, key, outcome.Error)
	}
	return res, nil
}

// Redeliver runs the stored payload of eventID through the pipeline again.
// The original row is untouched and a new row is written.
func (p *Pipeline) Redeliver(ctx context.Context, eventID string) (Result, error) {
	var row *models.WebhookEvent
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		row, err = p.audit.Get(ctx, eventID)
		return err
	}); err != nil {
		return Result{}, err
	}

	body := []byte(row.Payload)
	if p.payloads != nil {
		body = p.payloads.FetchFull(ctx, row)
	}
	log.Infof("[Ingest] Redelivering webhook %s for %s", row.EventID, row.BookingKey)
	return p.Handle(ctx, Request{Source: string(row.SourceType), Body: body, Trusted: true})
}

func (p *Pipeline) apply(ctx context.Context, d Delivery, r audit.Received) reconciler.Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return p.reconciler.Apply(ctx, reconciler.Event{
		EventID:          r.EventID,
		BookingID:        d.BookingID,
		ConfirmationCode: d.ConfirmationCode,
		ParentBookingID:  d.ParentBookingID,
		Action:           d.Action.Value,
		ActionInferred:   d.Action.Inferred,
		ReportedStatus:   d.Status,
		Classification:   r.Classification,
		Fields:           d.Fields,
	})
}

// recordOnly writes a row that is never reconciled.
func (p *Pipeline) recordOnly(ctx context.Context, r audit.Received, result models.ProcessingResult, reason string) (Result, error) {
	handle, err := p.recordReceived(ctx, r)
	if err != nil {
		return p.errored(r, err), fmt.Errorf("%w: %v", ErrNotRecorded, err)
	}
	if err := p.withTimeout(ctx, func(ctx context.Context) error {
		return p.audit.RecordProcessingComplete(ctx, &handle, audit.Completion{Result: result, Error: reason})
	}); err != nil {
		log.Errorf("[Ingest] %v", err)
	}

	res := resultFor(r, result)
	if result == models.ResultError {
		res.Error = reason
	} else {
		res.Reason = reason
	}
	return res, nil
}

func (p *Pipeline) recordReceived(ctx context.Context, r audit.Received) (audit.Handle, error) {
	var handle audit.Handle
	err := p.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		handle, err = p.audit.RecordReceived(ctx, r)
		return err
	})
	if err != nil {
		log.Errorf("[Ingest] %v", err)
	}
	return handle, err
}

func (p *Pipeline) errored(r audit.Received, err error) Result {
	res := resultFor(r, models.ResultError)
	res.Error = err.Error()
	return res
}

func (p *Pipeline) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func resultFor(r audit.Received, result models.ProcessingResult) Result {
	c := r.Classification
	res := Result{
		EventID:        r.EventID,
		BookingKey:     r.BookingKey,
		Result:         result,
		IsDuplicate:    c.IsDuplicate,
		IsOutOfOrder:   c.IsOutOfOrder,
		SequenceNumber: c.SequenceNumber,
	}
	for _, rule := range c.Rules {
		res.Issues = append(res.Issues, string(rule))
	}
	switch result {
	case models.ResultSuccess:
		res.Outcome = OutcomeApplied
	case models.ResultSkipped:
		res.Outcome = OutcomeSkipped
	default:
		res.Outcome = OutcomeErrored
	}
	return res
}
