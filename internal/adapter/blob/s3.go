// Package blob implements domain.BlobStore against S3-compatible object
// storage, using the AWS SDK's presign client so download URLs never need a
// long-lived bucket ACL.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
)

// Store adapts an S3 client (or any S3-compatible endpoint, e.g. MinIO in
// local/dev) to domain.BlobStore.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds a Store from application configuration. When cfg.AWSEndpointURL
// is set, requests are routed there instead of AWS (local/dev against MinIO);
// AWSS3UsePathStyle should be true in that case since MinIO doesn't support
// virtual-hosted-style addressing by default.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(cfg.AWSRegion))
	if cfg.AWSAccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
		o.UsePathStyle = cfg.AWSS3UsePathStyle
	})

	return &Store{client: client, presign: s3.NewPresignClient(client), bucket: cfg.AWSS3Bucket}, nil
}

// Put implements domain.BlobStore.
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("blob put %s: %w", key, err)
	}
	return nil
}

// Get implements domain.BlobStore.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("blob get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// PresignedURL implements domain.BlobStore. When downloadName is non-empty
// it sets a Content-Disposition attachment filename so a browser navigating
// straight to the presigned URL downloads it under a human-readable name
// rather than the opaque blob key.
func (s *Store) PresignedURL(ctx domain.Context, key, downloadName string, expiry time.Duration) (string, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
	if downloadName != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(downloadName)))
	}
	req, err := s.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("blob presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Delete implements domain.BlobStore.
func (s *Store) Delete(ctx domain.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return fmt.Errorf("blob delete %s: %w", key, err)
	}
	return nil
}

// Ping verifies the configured bucket is reachable, for use as a readiness
// check: it never touches object data, just bucket-level connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("blob ping bucket %s: %w", s.bucket, err)
	}
	return nil
}
