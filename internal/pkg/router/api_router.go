package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        h.deps.RateLimit,
		Expiration: h.deps.RateWindow,
		Storage:    h.deps.LimiterStorage,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// Operator API v1
	v1 := api.Group("/v1", middleware.RequireOpsKey(h.deps.OpsKeyHash))
	ops := h.deps.Ops
	v1.Get("/bookings/:bookingKey/webhooks", ops.HandleBookingHistory)
	v1.Get("/confirmations/:code/issues", ops.HandleConfirmationIssues)
	v1.Get("/webhooks/:eventId/payload", ops.HandleWebhookPayload)
	v1.Post("/webhooks/:eventId/redeliver", ops.HandleRedeliver)
	v1.Get("/health/payloads", ops.HandlePayloadHealth)
	v1.Post("/maintenance/verify", ops.HandleMaintenanceVerify)
	v1.Post("/maintenance/orphans", ops.HandleMaintenanceOrphans)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
