package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/BookingRelay/app/controllers"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/audit"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/blobstore"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/cache"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/database"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/ingest"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/payloadstore"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/reconciler"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/router"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
)

func main() {
	app, stop := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Main] Shutdown: %v", err)
	}
	stop()
}

// NewApplication wires the service and returns the app and a cleanup func.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	if env.IsDev() {
		log.SetLevel(log.LevelDebug)
	}
	database.SetupDatabase()
	cache.SetupCache()

	repository.InitializeFactory(database.GetDB())
	repos := repository.GetGlobalRepositories()
	rdb := cache.GetClient()
	recorder := counter.New(repos.HealthMetric, rdb)

	// Payload offload
	payloadCfg, err := payloadstore.LoadConfig()
	if err != nil {
		log.Fatalf("[Main] Payload store config: %v", err)
	}
	var blobs payloadstore.Blobs
	if payloadCfg.OffloadEnabled {
		s3Cfg, err := blobstore.LoadConfig()
		if err != nil {
			log.Fatalf("[Main] Blob store config: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := blobstore.NewClient(ctx, s3Cfg)
		cancel()
		if err != nil {
			log.Fatalf("[Main] Blob store: %v", err)
		}
		blobs = client
	}
	store := payloadstore.New(*payloadCfg, blobs, repos.WebhookEvent, recorder)

	var (
		offloader audit.Offloader
		checks    controllers.PayloadMonitor
		stopCheck = func() {}
	)
	if blobs != nil {
		offloader = store
		m := payloadstore.NewMonitor(store, rdb)
		m.Start()
		checks = m
		stopCheck = m.Stop
	}

	// Ingestion
	recCfg, err := reconciler.LoadConfig()
	if err != nil {
		log.Fatalf("[Main] Reconciler config: %v", err)
	}
	queue := jobqueue.NewQueue(rdb)
	rec := reconciler.New(*recCfg, repos.Booking, jobqueue.NewCancellationPublisher(queue))

	seqCfg := sequence.LoadConfig()
	auditLog := audit.NewService(repos.WebhookEvent, offloader, seqCfg)
	analyzer := sequence.NewAnalyzer(seqCfg, auditLog)
	pipeline := ingest.New(*ingest.LoadConfig(), analyzer, auditLog, rec, store, recorder)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "BookingRelay",
		BodyLimit: env.GetInt("WEBHOOK_BODY_LIMIT", 10*1024*1024),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(recorder.Registry(), promhttp.HandlerOpts{})))

	// fiber monitor
	monitorHandlers := []fiber.Handler{}
	if user := env.GetEnv("MONITOR_USER", ""); user != "" {
		monitorHandlers = append(monitorHandlers, basicauth.New(basicauth.Config{
			Users: map[string]string{user: env.GetEnv("MONITOR_PASSWORD", "")},
		}))
	}
	monitorHandlers = append(monitorHandlers, monitor.New(monitor.Config{Title: "BookingRelay Monitor"}))
	app.Get("/monitor", monitorHandlers...)

	// SWAGGER / OPENAPI
	if specPath := findOpenAPISpec(); specPath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: specPath,
			Path:     "v1",
		}))
	} else {
		log.Warn("[Main] openapi.yml not found, API docs disabled")
	}

	// ROUTER
	deps := router.Dependencies{
		Webhooks: controllers.NewWebhookController(pipeline),
		Ops: controllers.NewOpsController(controllers.OpsDeps{
			Audit:    auditLog,
			Pipeline: pipeline,
			Payloads: store,
			Health:   recorder,
			Monitor:  checks,
			Queue:    queue,
		}),
		OpsKeyHash:     env.GetEnv("OPS_API_KEY_HASH", ""),
		LimiterStorage: router.NewLimiterStorage(rdb),
	}
	deps.LoadLimits()
	router.InstallRouter(app, deps)

	return app, func() {
		stopCheck()
		if err := cache.Close(); err != nil {
			log.Warnf("[Main] Closing cache: %v", err)
		}
	}
}

func findOpenAPISpec() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/bookingrelay to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		candidate := path + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
