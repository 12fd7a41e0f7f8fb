// Package objectstore delivers finished reports to S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"trafficdash/api/internal/export"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioSink implements export.ArtifactStore on a single bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ export.ArtifactStore = (*MinioSink)(nil)

func NewMinioSink(cfg Config) (*MinioSink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: client: %w", err)
	}
	return &MinioSink{client: client, bucket: cfg.Bucket, prefix: cleanPrefix(cfg.Prefix)}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("objectstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinioSink) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *MinioSink) Deliver(ctx context.Context, a export.Artifact) (export.Location, error) {
	key, err := s.objectKey(a.Filename)
	if err != nil {
		return export.Location{}, err
	}
	contentType := a.MimeType
	if contentType == "" {
		contentType = export.MimeTypePDF
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(a.Data), int64(len(a.Data)), minio.PutObjectOptions{
		ContentType:        contentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", a.Filename),
	})
	if err != nil {
		return export.Location{}, fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return s.location(key), nil
}

func (s *MinioSink) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	key, err := s.objectKey(filename)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, export.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return obj, nil
}

func (s *MinioSink) objectKey(filename string) (string, error) {
	if filename == "" || path.Base(filename) != filename || strings.HasPrefix(filename, ".") || strings.Contains(filename, `\`) {
		return "", fmt.Errorf("objectstore: invalid artifact filename %q", filename)
	}
	if s.prefix == "" {
		return filename, nil
	}
	return s.prefix + "/" + filename, nil
}

func (s *MinioSink) location(key string) export.Location {
	return export.Location{Kind: "s3", URI: "s3://" + s.bucket + "/" + key}
}

func cleanPrefix(prefix string) string {
	return strings.Trim(path.Clean("/"+strings.TrimSpace(prefix)), "/")
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
