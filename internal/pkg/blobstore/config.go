package blobstore

import (
	"errors"

	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
)

// Config holds S3 connection settings for payload blobs
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	CreateBucket    bool   // Create the bucket on startup when missing (never in prod)
}

// LoadConfig loads S3 configuration from environment variables.
// A missing credential or bucket is a fatal startup error.
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		CreateBucket:    env.AppEnv() != "prod" && env.GetBool("S3_CREATE_BUCKET", true),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks that the required fields are present
func (c *Config) Validate() error {
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when payload offload is enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when payload offload is enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when payload offload is enabled")
	}
	return nil
}
