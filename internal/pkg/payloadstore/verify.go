package payloadstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BookingRelay/app/models"
)

// maxReportedOrphans caps the keys listed in a report; the count stays exact.
const maxReportedOrphans = 1000

// VerifyReport summarises one verification pass.
type VerifyReport struct {
	Window     string    `json:"window"`
	Checked    int       `json:"checked"`
	Verified   int       `json:"verified"`
	Mismatches int       `json:"mismatches"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OrphanReport summarises one orphan scan. Orphans are reported, never deleted.
type OrphanReport struct {
	Prefix      string    `json:"prefix"`
	Total       int       `json:"total"`
	OrphanCount int       `json:"orphan_count"`
	OrphanKeys  []string  `json:"orphan_keys"`
	Skipped     int       `json:"skipped_recent"`
	Error       string    `json:"error,omitempty"`
	ScannedAt   time.Time `json:"scanned_at"`
}

// VerifyRecent re-downloads unverified blobs received within window and
// recomputes their checksums. Problems surface through the counters and the
// report, never as an error.
func (s *Store) VerifyRecent(ctx context.Context, window time.Duration) VerifyReport {
	if window <= 0 {
		window = s.cfg.VerifyWindow
	}
	report := VerifyReport{Window: window.String(), StartedAt: s.now()}

	if s.blobs == nil {
		report.FinishedAt = s.now()
		return report
	}

	rows, err := s.index.ListUnverifiedOffloaded(ctx, report.StartedAt.Add(-window), s.cfg.VerifyBatch)
	if err != nil {
		report.Errors++
		s.counters.Increment(ctx, models.MetricVerifyError, fmt.Sprintf("list unverified rows: %v", err))
		log.Errorf("[PayloadStore] Verify pass could not list rows: %v", err)
		report.FinishedAt = s.now()
		return report
	}

	for i := range rows {
		if ctx.Err() != nil {
			break
		}
		row := &rows[i]
		report.Checked++

		data, err := s.blobs.Get(ctx, row.StorageKey)
		if err != nil {
			report.Errors++
			s.counters.Increment(ctx, models.MetricVerifyError, fmt.Sprintf("download %s: %v", row.StorageKey, err))
			continue
		}

		if sum := Checksum(data); sum != row.Checksum {
			report.Mismatches++
			msg := fmt.Sprintf("checksum mismatch for %s: stored %s, computed %s", row.StorageKey, row.Checksum, sum)
			s.counters.Increment(ctx, models.MetricChecksumMismatch, msg)
			if err := s.index.MarkVerifyFailed(ctx, row.ID, msg); err != nil {
				log.Errorf("[PayloadStore] Could not record verify failure for event %s: %v", row.EventID, err)
			}
			log.Errorf("[PayloadStore] %s", msg)
			continue
		}

		if err := s.index.MarkVerified(ctx, row.ID, s.now()); err != nil {
			report.Errors++
			s.counters.Increment(ctx, models.MetricVerifyError, fmt.Sprintf("mark verified %s: %v", row.EventID, err))
			continue
		}
		report.Verified++
	}

	report.FinishedAt = s.now()
	log.Infof("[PayloadStore] Verify pass: checked=%d verified=%d mismatches=%d errors=%d",
		report.Checked, report.Verified, report.Mismatches, report.Errors)
	return report
}

// ScanOrphans lists every blob under the environment prefix and reports
// those that no audit row references.
func (s *Store) ScanOrphans(ctx context.Context) OrphanReport {
	report := OrphanReport{Prefix: s.cfg.Environment + "/", OrphanKeys: []string{}, ScannedAt: s.now()}
	if s.blobs == nil {
		report.Error = "payload offload is not configured"
		return report
	}

	objects, err := s.blobs.List(ctx, report.Prefix)
	if err != nil {
		return s.orphanScanFailed(ctx, report, fmt.Errorf("list %s: %w", report.Prefix, err))
	}
	report.Total = len(objects)

	cutoff := report.ScannedAt.Add(-s.cfg.OrphanGrace)
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if !obj.LastModified.IsZero() && obj.LastModified.After(cutoff) {
			report.Skipped++
			continue
		}
		keys = append(keys, obj.Key)
	}

	referenced, err := s.index.ExistingStorageKeys(ctx, keys)
	if err != nil {
		return s.orphanScanFailed(ctx, report, fmt.Errorf("lookup storage keys: %w", err))
	}
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		report.OrphanCount++
		if len(report.OrphanKeys) < maxReportedOrphans {
			report.OrphanKeys = append(report.OrphanKeys, key)
		}
	}

	if report.OrphanCount > 0 {
		log.Warnf("[PayloadStore] Orphan scan found %d unreferenced blobs of %d", report.OrphanCount, report.Total)
	} else {
		log.Infof("[PayloadStore] Orphan scan clean (%d blobs)", report.Total)
	}
	return report
}

func (s *Store) orphanScanFailed(ctx context.Context, report OrphanReport, err error) OrphanReport {
	if errors.Is(err, context.Canceled) {
		report.Error = err.Error()
		return report
	}
	report.Error = err.Error()
	s.counters.Increment(ctx, models.MetricVerifyError, "orphan scan: "+err.Error())
	log.Errorf("[PayloadStore] Orphan scan failed: %v", err)
	return report
}
