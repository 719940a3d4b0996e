// Package backup implements the optional S3 cold-storage sink for realm
// snapshots: after a realm's history store integrates changesets that
// advance its version far enough to warrant one, the whole realm file is
// uploaded to S3 so it can be restored after a host loss. The upload path
// and retry/backoff idiom follow pkg/store/content/s3 in the wider example
// pack; this package only ever does whole-object PutObject, never
// multipart, since realm files are bounded by realistic per-tenant size.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/arcusdb/realmsync/pkg/config"
	"github.com/arcusdb/realmsync/pkg/metrics"
)

// retryConfig mirrors the example pack's S3 content store: fixed attempt
// budget, exponential backoff between attempts.
type retryConfig struct {
	maxRetries        uint
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// Sink uploads realm snapshot files to an S3-compatible bucket.
type Sink struct {
	client    *s3.Client
	bucket    string
	prefix    string
	retry     retryConfig
	uploadSem chan struct{}
	metrics   metrics.BackupMetrics
}

// New builds a Sink from AdminStore-adjacent backup configuration. Returns
// (nil, nil) when cfg.Enabled is false — callers should treat a nil Sink as
// "backups disabled" rather than an error.
func New(ctx context.Context, cfg config.BackupConfig, m metrics.BackupMetrics) (*Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket is required when enabled")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("backup: load AWS config: %w", err)
	}
	if accessKey := os.Getenv("REALMSYNC_BACKUP_ACCESS_KEY_ID"); accessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(
			accessKey, os.Getenv("REALMSYNC_BACKUP_SECRET_ACCESS_KEY"), "")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("backup: access bucket %q: %w", cfg.Bucket, err)
	}

	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		retry: retryConfig{
			maxRetries:        3,
			initialBackoff:    100 * time.Millisecond,
			maxBackoff:        2 * time.Second,
			backoffMultiplier: 2.0,
		},
		uploadSem: make(chan struct{}, concurrency),
		metrics:   m,
	}, nil
}

// objectKey returns the S3 key a realm's snapshot is stored under. A realm's
// virtual path may itself contain "/", which S3 treats as key delimiters —
// that's desired: it mirrors the realm tree in the bucket.
func (s *Sink) objectKey(virtualPath string) string {
	key := strings.TrimPrefix(virtualPath, "/")
	if s.prefix != "" {
		return strings.TrimSuffix(s.prefix, "/") + "/" + key
	}
	return key
}

// UploadSnapshot reads the realm file at realFilePath in full and uploads it
// to S3 under a key derived from virtualPath. It blocks until a concurrency
// slot is free, retrying transient errors with exponential backoff.
func (s *Sink) UploadSnapshot(ctx context.Context, virtualPath, realFilePath string) (err error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveUploadDuration(time.Since(start))
			if err != nil {
				s.metrics.IncUploadFailures()
			}
		}
	}()

	select {
	case s.uploadSem <- struct{}{}:
		defer func() { <-s.uploadSem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	data, err := os.ReadFile(realFilePath)
	if err != nil {
		return fmt.Errorf("backup: read realm file %s: %w", realFilePath, err)
	}

	key := s.objectKey(virtualPath)
	return s.putWithRetry(ctx, key, data)
}

func (s *Sink) putWithRetry(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= int(s.retry.maxRetries); attempt++ {
		if attempt > 0 {
			backoff := s.calculateBackoff(attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, lastErr = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return fmt.Errorf("backup: put %s: %w", key, lastErr)
		}
	}
	return fmt.Errorf("backup: put %s after %d attempts: %w", key, s.retry.maxRetries+1, lastErr)
}

func (s *Sink) calculateBackoff(attempt int) time.Duration {
	backoff := float64(s.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= s.retry.backoffMultiplier
	}
	if backoff > float64(s.retry.maxBackoff) {
		backoff = float64(s.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException",
			"InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchBucket", "AccessDenied", "Forbidden", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout")
}
