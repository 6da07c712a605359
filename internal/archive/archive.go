// Package archive copies the base area of a schema to S3-compatible
// storage after it has been swapped. When no bucket is configured the
// NoopArchiver is used and nothing leaves the machine.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/tablestage/internal/backend"
	"github.com/hyperengineering/tablestage/internal/config"
	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Archiver uploads the base tables of a schema.
type Archiver interface {
	// Archive uploads every table in the base area of schema.
	Archive(ctx context.Context, schema string) error
}

// s3Client defines the minimal minio.Client operations used by S3Archiver.
// This interface enables testing with mock implementations.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, r io.Reader, size int64) error {
	putOpts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := w.client.PutObject(ctx, bucket, objectName, r, size, putOpts)
	return err
}

// S3Archiver uploads table payloads to S3-compatible storage.
type S3Archiver struct {
	client s3Client
	source backend.Backend
	bucket string
	prefix string
	logger *slog.Logger
}

// Archive uploads each base table of schema as {prefix}/{schema}/{table}.tbl.
func (a *S3Archiver) Archive(ctx context.Context, schema string) error {
	tables, err := a.source.ListTables(ctx, schema)
	if err != nil {
		return fmt.Errorf("list tables of %q: %w", schema, err)
	}

	for _, table := range tables {
		data, err := a.source.ReadTable(ctx, schema, table)
		if err != nil {
			return fmt.Errorf("read table %s.%s: %w", schema, table, err)
		}
		key := objectKey(a.prefix, schema, table)
		if err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data))); err != nil {
			return fmt.Errorf("upload %s to S3: %w", key, err)
		}
	}

	a.logger.Info("schema archived",
		"component", "archive",
		"schema", schema,
		"bucket", a.bucket,
		"tables", len(tables),
	)
	return nil
}

// NoopArchiver is used when S3 storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when S3 is not configured.
func (NoopArchiver) Archive(context.Context, string) error {
	return nil
}

// New creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func New(cfg config.ArchiveConfig, source backend.Backend, logger *slog.Logger) (Archiver, error) {
	if cfg.Bucket == "" {
		return NoopArchiver{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		source: source,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// SwapListener adapts a to the table store's post-swap hook.
func SwapListener(a Archiver) func(ctx context.Context, s *pipeline.Schema) error {
	return func(ctx context.Context, s *pipeline.Schema) error {
		return a.Archive(ctx, s.Name())
	}
}

// objectKey returns the S3 object key for an archived table.
// Convention: [{prefix}/]{schema}/{table}.tbl
func objectKey(prefix, schema, table string) string {
	return path.Join(prefix, schema, table+".tbl")
}

// stripScheme removes an http:// or https:// prefix from endpoint. An
// explicit scheme wins over the use_ssl setting.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}
