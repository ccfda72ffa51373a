// Package sequence classifies inbound booking events as duplicate or
// out-of-order against a bounded per-key history.
package sequence

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

const (
	DefaultWindow    = 10
	DefaultTolerance = 5 * time.Second
	DefaultMaxKeys   = 10000
)

// HistorySource supplies the durable last-n entries for a booking key, in
// arrival order. It is used to seed keys the analyzer has not seen yet.
type HistorySource interface {
	RecentEntries(ctx context.Context, bookingKey string, n int) ([]Entry, error)
}

// Config controls the analyzer window and duplicate tolerance.
type Config struct {
	Window    int
	Tolerance time.Duration
	// MaxKeys bounds the number of booking keys held in memory. Evicted keys
	// are re-seeded from the HistorySource on their next event.
	MaxKeys int
	// DurableOnly reads the prior window from the HistorySource on every
	// event instead of caching it. Use it when several instances ingest.
	DurableOnly bool
}

// LoadConfig reads the analyzer settings from the environment.
func LoadConfig() Config {
	cfg := Config{
		Window:      env.GetInt("SEQUENCE_WINDOW", DefaultWindow),
		Tolerance:   env.GetDuration("DUPLICATE_TOLERANCE", DefaultTolerance),
		MaxKeys:     env.GetInt("SEQUENCE_MAX_KEYS", DefaultMaxKeys),
		DurableOnly: env.GetBool("SEQUENCE_DURABLE_ONLY", false),
	}
	return cfg.normalize()
}

func (c Config) normalize() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Tolerance < 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = DefaultMaxKeys
	}
	return c
}

type history struct {
	key     string
	entries []Entry
}

// Analyzer keeps the rolling per-key history and classifies candidates.
// Callers must serialize Classify and Commit for the same key.
type Analyzer struct {
	cfg    Config
	source HistorySource

	mu    sync.Mutex
	keys  map[string]*list.Element
	order *list.List
}

// NewAnalyzer creates an analyzer. source may be nil.
func NewAnalyzer(cfg Config, source HistorySource) *Analyzer {
	return &Analyzer{
		cfg:    cfg.normalize(),
		source: source,
		keys:   make(map[string]*list.Element),
		order:  list.New(),
	}
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// Observation is a classified candidate that has not joined the history yet.
type Observation struct {
	Classification
	bookingKey string
	next       []Entry
}

// Classify evaluates candidate against the key's history without changing
// it. Call Commit once the event is durably recorded. It never fails: a
// history source error degrades to an empty history.
func (a *Analyzer) Classify(ctx context.Context, bookingKey string, candidate Entry) Observation {
	prior, cached := a.prior(bookingKey)
	if !cached {
		prior = a.seed(ctx, bookingKey)
	}

	c := Evaluate(prior, candidate, a.cfg.Tolerance)

	next := make([]Entry, 0, len(prior)+1)
	next = append(next, prior...)
	next = append(next, candidate)
	if len(next) > a.cfg.Window {
		next = next[len(next)-a.cfg.Window:]
	}
	c.SequenceNumber = len(next)

	return Observation{Classification: c, bookingKey: bookingKey, next: next}
}

// Commit appends a classified candidate to the cached history.
func (a *Analyzer) Commit(o Observation) {
	if a.cfg.DurableOnly || o.bookingKey == "" {
		return
	}
	a.store(o.bookingKey, o.next)
}

// Observe classifies candidate and commits it in one step.
func (a *Analyzer) Observe(ctx context.Context, bookingKey string, candidate Entry) Classification {
	o := a.Classify(ctx, bookingKey, candidate)
	a.Commit(o)
	return o.Classification
}

// Snapshot returns a copy of the cached history for a key.
func (a *Analyzer) Snapshot(bookingKey string) []Entry {
	entries, _ := a.prior(bookingKey)
	return entries
}

// Len reports how many booking keys are cached.
func (a *Analyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

func (a *Analyzer) prior(bookingKey string) ([]Entry, bool) {
	if a.cfg.DurableOnly {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.keys[bookingKey]
	if !ok {
		return nil, false
	}
	a.order.MoveToFront(el)
	h := el.Value.(*history)
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out, true
}

func (a *Analyzer) seed(ctx context.Context, bookingKey string) []Entry {
	if a.source == nil {
		return nil
	}
	entries, err := a.source.RecentEntries(ctx, bookingKey, a.cfg.Window)
	if err != nil {
		log.Warnf("[Sequence] Could not seed history for %s: %v", bookingKey, err)
		return nil
	}
	if len(entries) > a.cfg.Window {
		entries = entries[len(entries)-a.cfg.Window:]
	}
	return entries
}

func (a *Analyzer) store(bookingKey string, entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.keys[bookingKey]; ok {
		el.Value.(*history).entries = entries
		a.order.MoveToFront(el)
		return
	}
	a.keys[bookingKey] = a.order.PushFront(&history{key: bookingKey, entries: entries})
	for len(a.keys) > a.cfg.MaxKeys {
		oldest := a.order.Back()
		if oldest == nil {
			break
		}
		a.order.Remove(oldest)
		delete(a.keys, oldest.Value.(*history).key)
	}
}
