package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/ingest"
)

// WebhookController accepts producer deliveries.
type WebhookController struct {
	pipeline *ingest.Pipeline
}

// NewWebhookController creates the intake controller
func NewWebhookController(pipeline *ingest.Pipeline) *WebhookController {
	return &WebhookController{pipeline: pipeline}
}

// HandleWebhook runs one delivery through the pipeline.
// Errored deliveries answer 503 so the producer retries.
func (wc *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	source, ok := models.ParseSourceType(c.Params("source"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "unknown webhook source"})
	}

	// fasthttp reuses the request buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)
	res, err := wc.pipeline.Handle(c.UserContext(), ingest.Request{
		Source:    string(source),
		Body:      body,
		Signature: c.Get(ingest.SignatureHeader),
	})
	switch {
	case errors.Is(err, ingest.ErrInvalidSignature):
		return c.Status(fiber.StatusUnauthorized).JSON(res)
	case err != nil:
		return c.Status(fiber.StatusServiceUnavailable).JSON(res)
	case res.Outcome == ingest.OutcomeErrored:
		return c.Status(fiber.StatusServiceUnavailable).JSON(res)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}
