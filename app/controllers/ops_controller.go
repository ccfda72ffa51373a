package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/audit"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/ingest"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/payloadstore"
)

// HealthSource reports payload health counters.
type HealthSource interface {
	Snapshot(ctx context.Context) ([]models.HealthMetric, error)
}

// PayloadMonitor runs and reports the periodic payload checks.
type PayloadMonitor interface {
	RunVerify(ctx context.Context, window time.Duration) payloadstore.VerifyReport
	RunOrphanScan(ctx context.Context) payloadstore.OrphanReport
	LastReports(ctx context.Context) (*payloadstore.VerifyReport, *payloadstore.OrphanReport)
}

// QueueStats reports side-effect queue depth.
type QueueStats interface {
	Stats(ctx context.Context) (map[string]int64, error)
}

// OpsController serves the operator API.
type OpsController struct {
	audit    *audit.Service
	pipeline *ingest.Pipeline
	payloads ingest.PayloadFetcher
	health   HealthSource
	monitor  PayloadMonitor
	queue    QueueStats
}

// OpsDeps are the collaborators of the operator API. Payloads, Monitor and
// Queue are optional.
type OpsDeps struct {
	Audit    *audit.Service
	Pipeline *ingest.Pipeline
	Payloads ingest.PayloadFetcher
	Health   HealthSource
	Monitor  PayloadMonitor
	Queue    QueueStats
}

// NewOpsController creates the operator controller
func NewOpsController(deps OpsDeps) *OpsController {
	return &OpsController{
		audit:    deps.Audit,
		pipeline: deps.Pipeline,
		payloads: deps.Payloads,
		health:   deps.Health,
		monitor:  deps.Monitor,
		queue:    deps.Queue,
	}
}

// HandleBookingHistory lists the audit rows of a booking key, newest first.
func (oc *OpsController) HandleBookingHistory(c *fiber.Ctx) error {
	key := c.Params("bookingKey")
	limit := c.QueryInt("limit", audit.DefaultHistoryLimit)
	if limit <= 0 || limit > audit.MaxHistoryLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "limit out of range"})
	}

	events, err := oc.audit.History(c.UserContext(), key, limit)
	if err != nil {
		return oc.internalError(c, "history lookup failed", err)
	}
	return c.JSON(fiber.Map{"booking_key": key, "count": len(events), "events": events})
}

// HandleConfirmationIssues replays the sequence checks for a confirmation code.
func (oc *OpsController) HandleConfirmationIssues(c *fiber.Ctx) error {
	report, err := oc.audit.DetectIssues(c.UserContext(), c.Params("code"))
	if errors.Is(err, audit.ErrConfirmationCodeRequired) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}
	if err != nil {
		return oc.internalError(c, "issue detection failed", err)
	}
	return c.JSON(report)
}

// HandleWebhookPayload returns the full payload of a row, downloading it
// from blob storage when it was offloaded.
func (oc *OpsController) HandleWebhookPayload(c *fiber.Ctx) error {
	row, err := oc.audit.Get(c.UserContext(), c.Params("eventId"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "webhook not found"})
	}
	if err != nil {
		return oc.internalError(c, "webhook lookup failed", err)
	}

	payload := []byte(row.Payload)
	if oc.payloads != nil {
		payload = oc.payloads.FetchFull(c.UserContext(), row)
	}
	c.Set("X-Payload-Offloaded", boolHeader(row.IsOffloaded()))
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(payload)
}

// HandleRedeliver replays a stored delivery as a new audit row.
func (oc *OpsController) HandleRedeliver(c *fiber.Ctx) error {
	res, err := oc.pipeline.Redeliver(c.UserContext(), c.Params("eventId"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "webhook not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(res)
	}
	return c.JSON(res)
}

// HandlePayloadHealth reports counters, the latest check reports and the
// side-effect queue.
func (oc *OpsController) HandlePayloadHealth(c *fiber.Ctx) error {
	ctx := c.UserContext()
	resp := fiber.Map{}

	if oc.health != nil {
		metrics, err := oc.health.Snapshot(ctx)
		if err != nil {
			return oc.internalError(c, "health metrics unavailable", err)
		}
		counters := fiber.Map{}
		for _, name := range models.HealthMetricNames {
			m := counter.Lookup(metrics, name)
			counters[name] = fiber.Map{"total": m.Total, "last_error": m.LastError, "last_error_at": m.LastErrorAt}
		}
		resp["counters"] = counters
	}
	if oc.monitor != nil {
		verify, orphans := oc.monitor.LastReports(ctx)
		resp["last_verify"] = verify
		resp["last_orphan_scan"] = orphans
	}
	if oc.queue != nil {
		stats, err := oc.queue.Stats(ctx)
		if err != nil {
			log.Warnf("[Ops] Side-effect queue stats unavailable: %v", err)
		} else {
			resp["side_effects"] = stats
		}
	}
	return c.JSON(resp)
}

// HandleMaintenanceVerify runs a checksum pass over a window (default 24h).
func (oc *OpsController) HandleMaintenanceVerify(c *fiber.Ctx) error {
	if oc.monitor == nil {
		return oc.offloadDisabled(c)
	}
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid window"})
		}
		window = d
	}
	return c.JSON(oc.monitor.RunVerify(c.UserContext(), window))
}

// HandleMaintenanceOrphans runs an orphan scan. Nothing is deleted.
func (oc *OpsController) HandleMaintenanceOrphans(c *fiber.Ctx) error {
	if oc.monitor == nil {
		return oc.offloadDisabled(c)
	}
	return c.JSON(oc.monitor.RunOrphanScan(c.UserContext()))
}

func (oc *OpsController) offloadDisabled(c *fiber.Ctx) error {
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "payload offload is disabled"})
}

func (oc *OpsController) internalError(c *fiber.Ctx, message string, err error) error {
	log.Errorf("[Ops] %s: %v", message, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": message})
}

func boolHeader(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
