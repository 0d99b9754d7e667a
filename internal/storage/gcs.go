package storage

import (
	"context"
	"fmt"
	"io"

	"backup-orchestrator/internal/backup"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSMirror uploads snapshots to Google Cloud Storage
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror creates a GCS mirror. Without a credentials file the
// application default credentials are used.
func NewGCSMirror(ctx context.Context, config *GCSConfig, prefix string) (*GCSMirror, error) {
	if config == nil {
		return nil, backup.NewConfigError("GCS mirror configuration is required", nil)
	}

	var opts []option.ClientOption
	if config.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	}
	if config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(config.Endpoint))
		if config.CredentialsPath == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, backup.NewConfigError("failed to create GCS client", err)
	}
	return &GCSMirror{client: client, bucket: config.Bucket, prefix: prefix}, nil
}

// Name identifies the mirror in logs
func (m *GCSMirror) Name() string {
	return "gs://" + m.bucket
}

// Upload copies the snapshot to <prefix>/<tenant>/<file> and returns its URI
func (m *GCSMirror) Upload(ctx context.Context, tenantID, localPath string) (string, error) {
	file, _, err := openSnapshot(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	name := objectKey(m.prefix, tenantID, localPath)
	writer := m.client.Bucket(m.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = objectMetadata(tenantID, localPath)

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return "", backup.NewExecutionError("failed to write snapshot to GCS", err).WithContext("object", name)
	}
	if err := writer.Close(); err != nil {
		return "", backup.NewExecutionError("failed to upload snapshot to GCS", err).WithContext("object", name)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, name), nil
}

// HealthCheck verifies the bucket exists and is readable
func (m *GCSMirror) HealthCheck(ctx context.Context) error {
	if _, err := m.client.Bucket(m.bucket).Attrs(ctx); err != nil {
		return backup.NewExecutionError("GCS bucket is not reachable", err).WithContext("bucket", m.bucket)
	}
	return nil
}

// Close releases the underlying client
func (m *GCSMirror) Close() error {
	return m.client.Close()
}

var _ backup.Mirror = (*GCSMirror)(nil)
