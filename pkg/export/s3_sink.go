package export

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink persists a generated pack and returns its storage location.
type Sink interface {
	Put(ctx context.Context, projectID string, pack []byte, checksum string) (string, error)
}

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket string
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack). Path
	// style is forced when set.
	Endpoint string
	// Prefix is an optional key prefix, e.g. "evidence-packs/".
	Prefix string
}

// S3Sink uploads evidence packs to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Sink creates an S3-backed pack sink.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("export: s3 sink requires a bucket")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, clock: time.Now}, nil
}

// Put implements Sink. Keys embed the generation timestamp, so repeated
// exports of the same project never overwrite earlier packs.
func (s *S3Sink) Put(ctx context.Context, projectID string, pack []byte, checksum string) (string, error) {
	key := fmt.Sprintf("%s%s/%s.zip", s.prefix, projectID, s.clock().UTC().Format("20060102T150405Z"))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pack),
		ContentType: aws.String("application/zip"),
		Metadata:    map[string]string{"checksum-sha256": checksum},
	})
	if err != nil {
		return "", fmt.Errorf("export %s: s3 put: %w", projectID, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
