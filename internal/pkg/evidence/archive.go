package evidence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Archive stores raw dispute payloads in S3 for later evidence submission
type Archive struct {
	s3Client objectPutter
	config   *Config
}

// NewArchive creates an S3 backed archive and checks that the bucket is reachable
func NewArchive(ctx context.Context, cfg *Config) (*Archive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("evidence archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true // MinIO and B2 need path-style URLs
		}
	})

	if _, err := s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[Evidence] Archive ready in bucket: %s", cfg.BucketName)
	return &Archive{s3Client: s3Client, config: cfg}, nil
}

// ArchiveDisputeEvidence uploads the payload and returns its object key.
// Keys are deterministic, so a redelivered event overwrites the same object.
func (a *Archive) ArchiveDisputeEvidence(ctx context.Context, disputeID, eventID string, payload []byte) (string, error) {
	key := a.config.ObjectKey(disputeID, eventID)
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"dispute-id":    disputeID,
			"event-id":      eventID,
			"upload-source": "paysync-disputes",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence for dispute %s: %w", disputeID, err)
	}

	log.Infof("[Evidence] Archived s3://%s/%s", a.config.BucketName, key)
	return key, nil
}
