package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/BookingRelay/app/controllers"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are shared by all routers.
type Dependencies struct {
	Webhooks   *controllers.WebhookController
	Ops        *controllers.OpsController
	OpsKeyHash string
	// LimiterStorage backs the rate limiters. Nil keeps counters in memory.
	LimiterStorage fiber.Storage
	RateLimit      int
	RateWindow     time.Duration
}

// LoadLimits fills the rate limit settings from the environment.
func (d *Dependencies) LoadLimits() {
	d.RateLimit = env.GetInt("RATE_LIMIT_MAX", 600)
	d.RateWindow = env.GetDuration("RATE_LIMIT_WINDOW", time.Minute)
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	if deps.RateLimit <= 0 {
		deps.RateLimit = 600
	}
	if deps.RateWindow <= 0 {
		deps.RateWindow = time.Minute
	}
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
