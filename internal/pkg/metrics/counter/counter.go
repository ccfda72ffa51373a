// Package counter keeps the named storage health counters and the webhook
// outcome metrics.
package counter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BookingRelay/app/models"
)

const (
	snapshotKey = "health:metrics:snapshot"
	// DefaultSnapshotTTL is how long a read of the counters may be served from cache.
	DefaultSnapshotTTL = 30 * time.Second
)

// Store is the durable side of the counters.
type Store interface {
	Increment(ctx context.Context, name, errText string) error
	List(ctx context.Context) ([]models.HealthMetric, error)
}

// Recorder increments durable counters, mirrors them to prometheus and
// serves a short-lived cached snapshot.
type Recorder struct {
	store Store
	rdb   *redis.Client
	ttl   time.Duration

	registry *prometheus.Registry
	health   *prometheus.CounterVec
	webhooks *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New creates a recorder. rdb may be nil, in which case snapshots are read
// from the store every time.
func New(store Store, rdb *redis.Client) *Recorder {
	r := &Recorder{
		store:    store,
		rdb:      rdb,
		ttl:      DefaultSnapshotTTL,
		registry: prometheus.NewRegistry(),
		health: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingrelay",
			Name:      "payload_health_total",
			Help:      "Payload store health events by counter name.",
		}, []string{"name"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingrelay",
			Name:      "webhooks_total",
			Help:      "Processed webhooks by source and outcome.",
		}, []string{"source", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bookingrelay",
			Name:      "webhook_processing_seconds",
			Help:      "Time from receipt to completion of a webhook.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	r.registry.MustRegister(r.health, r.webhooks, r.duration)
	return r
}

// Registry exposes the prometheus registry for the /metrics endpoint.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Increment bumps the named counter. errText, when set, replaces the last error.
func (r *Recorder) Increment(ctx context.Context, name, errText string) {
	r.health.WithLabelValues(name).Inc()
	if err := r.store.Increment(ctx, name, errText); err != nil {
		log.Errorf("[Metrics] Failed to increment %s: %v", name, err)
	}
}

// ObserveWebhook records the outcome of one processed webhook.
func (r *Recorder) ObserveWebhook(source, outcome string, took time.Duration) {
	r.webhooks.WithLabelValues(source, outcome).Inc()
	r.duration.WithLabelValues(source).Observe(took.Seconds())
}

// Snapshot returns all counters, served from cache for up to the TTL.
func (r *Recorder) Snapshot(ctx context.Context) ([]models.HealthMetric, error) {
	if r.rdb != nil {
		raw, err := r.rdb.Get(ctx, snapshotKey).Bytes()
		if err == nil {
			var cached []models.HealthMetric
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warnf("[Metrics] Snapshot cache read failed: %v", err)
		}
	}

	metrics, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = []models.HealthMetric{}
	}

	if r.rdb != nil {
		if b, err := json.Marshal(metrics); err == nil {
			if err := r.rdb.Set(ctx, snapshotKey, b, r.ttl).Err(); err != nil {
				log.Warnf("[Metrics] Snapshot cache write failed: %v", err)
			}
		}
	}
	return metrics, nil
}

// Lookup returns a single counter from a snapshot, or a zero value.
func Lookup(metrics []models.HealthMetric, name string) models.HealthMetric {
	for _, m := range metrics {
		if m.Name == name {
			return m
		}
	}
	return models.HealthMetric{Name: name}
}
