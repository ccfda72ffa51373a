package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/BookingRelay/app/controllers"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/audit"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/ingest"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/jobqueue"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/reconciler"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/sequence"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/testutil"
)

const (
	testSecret = "s3cret"
	testOpsKey = "ops-key"
)

func newTestApp(t *testing.T, rateLimit int) *fiber.App {
	t.Helper()
	app, _ := newTestAppWithRepos(t, rateLimit)
	return app
}

func newTestAppWithRepos(t *testing.T, rateLimit int) (*fiber.App, *repository.Repositories) {
	t.Helper()
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	repos := repository.NewRepositories(db)

	recorder := counter.New(repos.HealthMetric, rdb)
	seqCfg := sequence.Config{Window: 10, Tolerance: 5 * time.Second}
	auditLog := audit.NewService(repos.WebhookEvent, nil, seqCfg)
	analyzer := sequence.NewAnalyzer(seqCfg, auditLog)
	queue := jobqueue.NewQueue(rdb)
	rec := reconciler.New(reconciler.Config{ReconfirmAfterCancel: reconciler.ReconfirmSkip, MaxAttempts: 3},
		repos.Booking, jobqueue.NewCancellationPublisher(queue))
	pipeline := ingest.New(ingest.Config{Secret: testSecret}, analyzer, auditLog, rec, nil, recorder)

	hash, err := bcrypt.GenerateFromPassword([]byte(testOpsKey), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhooks: controllers.NewWebhookController(pipeline),
		Ops: controllers.NewOpsController(controllers.OpsDeps{
			Audit:    auditLog,
			Pipeline: pipeline,
			Health:   recorder,
			Queue:    queue,
		}),
		OpsKeyHash: string(hash),
		RateLimit:  rateLimit,
		RateWindow: time.Minute,
	})
	return app, repos
}

func deliver(t *testing.T, app *fiber.App, source, body, signature string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/"+source, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(ingest.SignatureHeader, signature)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func ops(t *testing.T, app *fiber.App, method, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("X-API-Key", testOpsKey)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return out
}

func signed(body string) string {
	return ingest.Sign(testSecret, []byte(body))
}

func TestWebhookIntake(t *testing.T) {
	app := newTestApp(t, 100)
	confirm := `{"action":"CONFIRMED","status":"CONFIRMED","bookingId":42,"confirmationCode":"ABC"}`

	resp, body := deliver(t, app, "booking", confirm, signed(confirm))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])
	assert.Equal(t, "42:ABC", body["bookingKey"])
	assert.Equal(t, float64(1), body["sequenceNumber"])

	resp, body = deliver(t, app, "booking", confirm, "00ff")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "errored", body["outcome"])

	resp, _ = deliver(t, app, "carrier-pigeon", confirm, signed(confirm))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, body = deliver(t, app, "availability", "garbage", signed("garbage"))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["outcome"])
	assert.Equal(t, "unknown:unknown", body["bookingKey"])
}

func TestOperatorAPI(t *testing.T) {
	app := newTestApp(t, 100)
	confirm := `{"action":"CONFIRMED","status":"CONFIRMED","bookingId":"42","confirmationCode":"ABC"}`
	cancel := `{"action":"ITEM_CANCELLED","status":"CANCELLED","bookingId":"42","confirmationCode":"ABC"}`
	stale := `{"action":"UPDATED","status":"CONFIRMED","bookingId":"42","confirmationCode":"ABC"}`

	_, first := deliver(t, app, "booking", confirm, signed(confirm))
	deliver(t, app, "booking", cancel, signed(cancel))
	_, last := deliver(t, app, "booking", stale, signed(stale))
	assert.Equal(t, "skipped", last["outcome"])
	assert.Equal(t, true, last["isOutOfOrder"])

	resp, history := ops(t, app, fiber.MethodGet, "/api/v1/bookings/42:ABC/webhooks?limit=10")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), history["count"])

	resp, _ = ops(t, app, fiber.MethodGet, "/api/v1/bookings/42:ABC/webhooks?limit=9999")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, issues := ops(t, app, fiber.MethodGet, "/api/v1/confirmations/ABC/issues")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), issues["event_count"])
	require.NotEmpty(t, issues["issues"])

	resp, payload := ops(t, app, fiber.MethodGet, "/api/v1/webhooks/"+first["eventId"].(string)+"/payload")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", payload["bookingId"])
	assert.Equal(t, "false", resp.Header.Get("X-Payload-Offloaded"))

	resp, _ = ops(t, app, fiber.MethodGet, "/api/v1/webhooks/missing/payload")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, again := ops(t, app, fiber.MethodPost, "/api/v1/webhooks/"+first["eventId"].(string)+"/redeliver")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEqual(t, first["eventId"], again["eventId"])

	resp, _ = ops(t, app, fiber.MethodPost, "/api/v1/webhooks/missing/redeliver")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, health := ops(t, app, fiber.MethodGet, "/api/v1/health/payloads")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Contains(t, health, "side_effects")
	sideEffects := health["side_effects"].(map[string]interface{})
	assert.Equal(t, float64(2), sideEffects["queued"], "one cancellation publishes two jobs")
	require.Contains(t, health, "counters")

	resp, _ = ops(t, app, fiber.MethodPost, "/api/v1/maintenance/verify?window=1h")
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestOperatorAPIRequiresKey(t *testing.T) {
	app := newTestApp(t, 100)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/health/payloads", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(fiber.MethodGet, "/api/", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWebhookRateLimit(t *testing.T) {
	app, repos := newTestAppWithRepos(t, 2)
	body := `{"action":"UPDATED","status":"ARRIVED","bookingId":"7","confirmationCode":"XY"}`

	for i := 0; i < 2; i++ {
		resp, _ := deliver(t, app, "booking", body, signed(body))
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, _ := deliver(t, app, "booking", body, signed(body))
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp, _ = deliver(t, app, "payment", body, signed(body))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode, "limits are per source")

	// The limited delivery never reached the pipeline, so it has no row.
	count, err := repos.WebhookEvent.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestLimiterStorage(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	storage := NewLimiterStorage(rdb)
	t.Cleanup(func() { _ = storage.Close() })

	require.NoError(t, storage.Set("webhooks:test", []byte("3"), time.Minute))
	got, err := storage.Get("webhooks:test")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), got)
}
