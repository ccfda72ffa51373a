package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	// Limited per producer source, so the limiter sits on the route where :source is bound.
	perSource := limiter.New(limiter.Config{
		Max:        h.deps.RateLimit,
		Expiration: h.deps.RateWindow,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhooks:" + c.IP() + ":" + c.Params("source")
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many deliveries"})
		},
	})
	app.Post("/webhooks/:source", perSource, h.deps.Webhooks.HandleWebhook)
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
