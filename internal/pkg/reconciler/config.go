package reconciler

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

// ReconfirmPolicy decides what an explicit CONFIRMED does to a cancelled booking.
type ReconfirmPolicy string

const (
	// ReconfirmSkip leaves the booking cancelled and records SKIPPED.
	ReconfirmSkip ReconfirmPolicy = "skip"
	// ReconfirmResurrect moves the booking back to CONFIRMED.
	ReconfirmResurrect ReconfirmPolicy = "resurrect"
)

const DefaultMaxAttempts = 3

// Config holds reconciler settings
type Config struct {
	ReconfirmAfterCancel ReconfirmPolicy
	MaxAttempts          int // optimistic-concurrency attempts per event
}

// LoadConfig reads the reconciler settings from the environment
func LoadConfig() (*Config, error) {
	policy := ReconfirmPolicy(strings.ToLower(strings.TrimSpace(env.GetEnv("RECONFIRM_AFTER_CANCEL", string(ReconfirmSkip)))))
	cfg := &Config{
		ReconfirmAfterCancel: policy,
		MaxAttempts:          env.GetInt("RECONCILE_MAX_ATTEMPTS", DefaultMaxAttempts),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown policies
func (c *Config) Validate() error {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	switch c.ReconfirmAfterCancel {
	case ReconfirmSkip, ReconfirmResurrect:
	case "":
		c.ReconfirmAfterCancel = ReconfirmSkip
	default:
		return fmt.Errorf("RECONFIRM_AFTER_CANCEL must be %q or %q, got %q", ReconfirmSkip, ReconfirmResurrect, c.ReconfirmAfterCancel)
	}
	return nil
}
