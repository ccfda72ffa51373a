package payloadstore

import (
	"errors"
	"time"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

const (
	DefaultInlineThreshold = 32 * 1024
	DefaultVerifyInterval  = 15 * time.Minute
	DefaultVerifyWindow    = 24 * time.Hour
	DefaultVerifyBatch     = 500
	DefaultOrphanInterval  = 6 * time.Hour
	DefaultOrphanGrace     = 10 * time.Minute
)

// Config holds payload offload and verification settings
type Config struct {
	OffloadEnabled  bool
	InlineThreshold int    // payloads larger than this many bytes are offloaded
	Environment     string // first segment of every storage key
	VerifyInterval  time.Duration
	VerifyWindow    time.Duration
	VerifyBatch     int
	OrphanInterval  time.Duration
	OrphanGrace     time.Duration // blobs younger than this are never reported as orphans
}

// LoadConfig loads payload store configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		OffloadEnabled:  env.GetBool("PAYLOAD_OFFLOAD_ENABLED", false),
		InlineThreshold: env.GetInt("PAYLOAD_INLINE_THRESHOLD", DefaultInlineThreshold),
		Environment:     env.AppEnv(),
		VerifyInterval:  env.GetDuration("PAYLOAD_VERIFY_INTERVAL", DefaultVerifyInterval),
		VerifyWindow:    env.GetDuration("PAYLOAD_VERIFY_WINDOW", DefaultVerifyWindow),
		VerifyBatch:     env.GetInt("PAYLOAD_VERIFY_BATCH", DefaultVerifyBatch),
		OrphanInterval:  env.GetDuration("PAYLOAD_ORPHAN_INTERVAL", DefaultOrphanInterval),
		OrphanGrace:     env.GetDuration("PAYLOAD_ORPHAN_GRACE", DefaultOrphanGrace),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the store cannot run with
func (c *Config) Validate() error {
	if c.InlineThreshold <= 0 {
		return errors.New("PAYLOAD_INLINE_THRESHOLD must be positive")
	}
	if c.Environment == "" {
		return errors.New("APP_ENV must not be empty")
	}
	if c.VerifyInterval <= 0 || c.OrphanInterval <= 0 {
		return errors.New("payload monitor intervals must be positive")
	}
	if c.VerifyWindow <= 0 {
		return errors.New("PAYLOAD_VERIFY_WINDOW must be positive")
	}
	if c.VerifyBatch <= 0 {
		c.VerifyBatch = DefaultVerifyBatch
	}
	if c.OrphanGrace < 0 {
		c.OrphanGrace = 0
	}
	return nil
}
