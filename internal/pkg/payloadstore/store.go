// Package payloadstore offloads large webhook bodies to blob storage and
// proves, after the fact, that they are still there and intact.
package payloadstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/BookingRelay/app/models"
	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/blobstore"
)

// Blobs is the put-once / get / list capability the store writes to.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]blobstore.Object, error)
}

// Index is the part of the audit log the store verifies against.
type Index interface {
	ListUnverifiedOffloaded(ctx context.Context, since time.Time, limit int) ([]models.WebhookEvent, error)
	MarkVerified(ctx context.Context, id uint, at time.Time) error
	MarkVerifyFailed(ctx context.Context, id uint, message string) error
	ExistingStorageKeys(ctx context.Context, keys []string) (map[string]struct{}, error)
}

// Counters receives the storage health counters.
type Counters interface {
	Increment(ctx context.Context, name, errText string)
}

var _ Index = (repository.WebhookEventRepository)(nil)

// Ref points at an uploaded blob.
type Ref struct {
	StorageKey string
	Checksum   string
	Size       int
}

// Store uploads, fetches and verifies offloaded payloads.
type Store struct {
	cfg      Config
	blobs    Blobs
	index    Index
	counters Counters
	now      func() time.Time
}

// New creates a payload store. blobs may be nil when offload is disabled.
func New(cfg Config, blobs Blobs, index Index, counters Counters) *Store {
	return &Store{
		cfg:      cfg,
		blobs:    blobs,
		index:    index,
		counters: counters,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// ShouldOffload reports whether a payload of size bytes goes to blob storage.
func (s *Store) ShouldOffload(size int) bool {
	return s.cfg.OffloadEnabled && s.blobs != nil && size > s.cfg.InlineThreshold
}

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace, so equal documents produce equal bytes.
func Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Checksum returns the hex SHA-256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StorageKey builds <env>/<yyyy>/<mm>/<bookingKey>-<uuid>.json.
func (s *Store) StorageKey(bookingKey string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s-%s.json",
		s.cfg.Environment, at.Year(), int(at.Month()), sanitizeKey(bookingKey), uuid.New().String())
}

// Upload writes the canonical form of payload once and returns its reference.
// Failures are counted and returned; callers fall back to inline storage.
func (s *Store) Upload(ctx context.Context, payload []byte, bookingKey string, sourceType models.SourceType) (Ref, error) {
	if s.blobs == nil {
		return Ref{}, fmt.Errorf("payload offload is not configured")
	}
	data, err := Canonicalize(payload)
	if err != nil {
		s.counters.Increment(ctx, models.MetricUploadFailure, err.Error())
		return Ref{}, err
	}

	ref := Ref{
		StorageKey: s.StorageKey(bookingKey, s.now()),
		Checksum:   Checksum(data),
		Size:       len(data),
	}
	err = s.blobs.Put(ctx, ref.StorageKey, data, map[string]string{
		"booking-key": bookingKey,
		"source-type": string(sourceType),
		"sha256":      ref.Checksum,
	})
	if err != nil {
		msg := fmt.Sprintf("upload %s: %v", ref.StorageKey, err)
		s.counters.Increment(ctx, models.MetricUploadFailure, msg)
		log.Errorf("[PayloadStore] %s", msg)
		return Ref{}, err
	}

	s.counters.Increment(ctx, models.MetricUploadSuccess, "")
	log.Infof("[PayloadStore] Offloaded %s payload for %s (%s)", sourceType, bookingKey, humanize.Bytes(uint64(ref.Size)))
	return ref, nil
}

// summaryFields are kept inline when a payload is offloaded.
var summaryFields = []string{
	"bookingId",
	"confirmationCode",
	"parentBookingId",
	"action",
	"status",
	"productTitle",
	"startTime",
	"totalPrice",
	"currency",
}

// Summarize returns the small inline stand-in for an offloaded payload.
// Identity fields nested under "booking" are lifted to the top level.
func Summarize(payload []byte) map[string]interface{} {
	summary := map[string]interface{}{
		"_offloaded": true,
		"_size":      len(payload),
	}
	var doc map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return summary
	}
	nested, _ := doc["booking"].(map[string]interface{})
	for _, field := range summaryFields {
		if v, ok := doc[field]; ok && v != nil {
			summary[field] = v
			continue
		}
		if v, ok := nested[field]; ok && v != nil {
			summary[field] = v
		}
	}
	return summary
}

// FetchFull returns the complete payload of a row. When the blob cannot be
// read the inline value, which may be only the summary, is returned.
func (s *Store) FetchFull(ctx context.Context, row *models.WebhookEvent) json.RawMessage {
	inline := json.RawMessage(row.Payload)
	if !row.IsOffloaded() || s.blobs == nil {
		return inline
	}
	data, err := s.blobs.Get(ctx, row.StorageKey)
	if err != nil {
		log.Warnf("[PayloadStore] Fetch %s failed, using inline payload: %v", row.StorageKey, err)
		return inline
	}
	if !json.Valid(data) {
		log.Warnf("[PayloadStore] Blob %s is not valid JSON, using inline payload", row.StorageKey)
		return inline
	}
	if row.Checksum != "" && Checksum(data) != row.Checksum {
		log.Warnf("[PayloadStore] Blob %s does not match its recorded checksum", row.StorageKey)
	}
	return json.RawMessage(data)
}

func sanitizeKey(bookingKey string) string {
	var b strings.Builder
	for _, r := range bookingKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
