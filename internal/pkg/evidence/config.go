package evidence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/PaySync/internal/pkg/env"
)

// Config holds the S3 settings of the dispute evidence archive
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("S3_EVIDENCE_PREFIX", ""), "/"),
		Enabled:         env.GetEnvBool("S3_EVIDENCE_ENABLED", false),
	}

	// Validate required fields if the archive is enabled
	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the evidence archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the evidence archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the evidence archive is enabled")
		}
	}

	return config, nil
}

// ObjectKey generates the object key for one dispute event payload.
// Format: [prefix/]disputes/<dispute id>/<event id>.json
func (c *Config) ObjectKey(disputeID, eventID string) string {
	key := fmt.Sprintf("disputes/%s/%s.json", sanitizeSegment(disputeID), sanitizeSegment(eventID))
	if c.Prefix != "" {
		key = c.Prefix + "/" + key
	}
	return key
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "unknown"
	}
	return s
}
