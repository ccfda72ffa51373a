package payloadstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	verifyReportKey = "payload_health:verify"
	orphanReportKey = "payload_health:orphans"
)

// Monitor runs verification and orphan scans on tickers and caches the
// last report of each in redis for the health view.
type Monitor struct {
	store *Store
	rdb   *redis.Client

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. rdb may be nil; reports are then only logged.
func NewMonitor(store *Store, rdb *redis.Client) *Monitor {
	return &Monitor{store: store, rdb: rdb}
}

// Start launches the verify and orphan loops. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	cfg := m.store.Config()

	m.loop("verify", cfg.VerifyInterval, m.stopCh, func(ctx context.Context) {
		m.RunVerify(ctx, cfg.VerifyWindow)
	})
	m.loop("orphans", cfg.OrphanInterval, m.stopCh, func(ctx context.Context) {
		m.RunOrphanScan(ctx)
	})
	log.Infof("[PayloadHealth] Monitor started (verify: %s, orphans: %s)", cfg.VerifyInterval, cfg.OrphanInterval)
}

// Stop halts both loops and waits for a running pass to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopCh == nil {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.stopCh = nil
	m.mu.Unlock()

	m.wg.Wait()
	log.Info("[PayloadHealth] Monitor stopped")
}

func (m *Monitor) loop(name string, interval time.Duration, stopCh chan struct{}, run func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				run(ctx)
			}
		}
	}()
	log.Debugf("[PayloadHealth] %s loop scheduled every %s", name, interval)
}

// RunVerify runs one verification pass and caches its report.
func (m *Monitor) RunVerify(ctx context.Context, window time.Duration) VerifyReport {
	report := m.store.VerifyRecent(ctx, window)
	m.cache(ctx, verifyReportKey, report, 2*m.store.Config().VerifyInterval)
	return report
}

// RunOrphanScan runs one orphan scan and caches its report.
func (m *Monitor) RunOrphanScan(ctx context.Context) OrphanReport {
	report := m.store.ScanOrphans(ctx)
	m.cache(ctx, orphanReportKey, report, 2*m.store.Config().OrphanInterval)
	return report
}

// LastReports returns the most recently cached reports, nil when none exist.
func (m *Monitor) LastReports(ctx context.Context) (*VerifyReport, *OrphanReport) {
	var verify VerifyReport
	var orphans OrphanReport
	var vp *VerifyReport
	var op *OrphanReport
	if m.load(ctx, verifyReportKey, &verify) {
		vp = &verify
	}
	if m.load(ctx, orphanReportKey, &orphans) {
		op = &orphans
	}
	return vp, op
}

func (m *Monitor) cache(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if m.rdb == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		log.Errorf("[PayloadHealth] Cache set failed for %s: %v", key, err)
	}
}

func (m *Monitor) load(ctx context.Context, key string, v interface{}) bool {
	if m.rdb == nil {
		return false
	}
	raw, err := m.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[PayloadHealth] Cache read failed for %s: %v", key, err)
		}
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
