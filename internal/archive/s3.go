// Package archive uploads audit partitions to S3-compatible object storage
// before the retention sweep removes them.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rogersf/taskforge/internal/domain"
)

const (
	defaultBucket = "taskforge-audit"
	contentType   = "application/x-ndjson"
)

// Config addresses the bucket partitions are copied to.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// objectStore is the subset of *minio.Client the archiver calls.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ objectStore = (*minio.Client)(nil)

// S3Archiver implements audit.Archiver on top of minio-go.
type S3Archiver struct {
	client  objectStore
	bucket  string
	prefix  string
	logger  *slog.Logger
	checked bool
}

// NewS3Archiver builds a client for cfg. It does not contact the endpoint.
func NewS3Archiver(cfg Config, logger *slog.Logger) (*S3Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, domain.Detail(domain.ErrConfigInvalid, "archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newS3Archiver(client, cfg, logger), nil
}

func newS3Archiver(client objectStore, cfg Config, logger *slog.Logger) *S3Archiver {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("component", "archive"),
	}
}

// ObjectName returns the key a partition file is stored under.
func (a *S3Archiver) ObjectName(name string) string {
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// Archive uploads the partition at path, creating the bucket on first use.
// The ledger serializes sweeps, so the bucket check needs no lock.
func (a *S3Archiver) Archive(ctx context.Context, name, path string) error {
	if !a.checked {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", a.bucket, err)
		}
		if !exists {
			if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket %s: %w", a.bucket, err)
			}
		}
		a.checked = true
	}
	object := a.ObjectName(name)
	info, err := a.client.FPutObject(ctx, a.bucket, object, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", object, err)
	}
	a.logger.Info("audit partition archived", "bucket", a.bucket, "object", object, "size", info.Size)
	return nil
}
