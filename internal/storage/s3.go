package storage

import (
	"context"
	"fmt"

	"backup-orchestrator/internal/backup"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Mirror uploads snapshots to Amazon S3
type S3Mirror struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Mirror creates an S3 mirror. Without static keys the default AWS
// credential chain is used.
func NewS3Mirror(config *S3Config, prefix string) (*S3Mirror, error) {
	if config == nil {
		return nil, backup.NewConfigError("S3 mirror configuration is required", nil)
	}

	awsConfig := &aws.Config{Region: aws.String(config.Region)}
	if config.AccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, "")
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(config.ForcePathStyle)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, backup.NewConfigError("failed to create AWS session", err)
	}
	return newS3MirrorWithClient(s3.New(sess), config.Bucket, prefix), nil
}

func newS3MirrorWithClient(client s3iface.S3API, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

// Name identifies the mirror in logs
func (m *S3Mirror) Name() string {
	return "s3://" + m.bucket
}

// Upload copies the snapshot to <prefix>/<tenant>/<file> and returns its URI
func (m *S3Mirror) Upload(ctx context.Context, tenantID, localPath string) (string, error) {
	file, size, err := openSnapshot(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	key := objectKey(m.prefix, tenantID, localPath)
	metadata := make(map[string]*string)
	for k, v := range objectMetadata(tenantID, localPath) {
		metadata[k] = aws.String(v)
	}

	_, err = m.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(size),
		Metadata:      metadata,
	})
	if err != nil {
		return "", backup.NewExecutionError("failed to upload snapshot to S3", err).
			WithContext("bucket", m.bucket).
			WithContext("key", key)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// HealthCheck verifies the bucket is reachable with the configured credentials
func (m *S3Mirror) HealthCheck(ctx context.Context) error {
	_, err := m.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err != nil {
		return backup.NewExecutionError("S3 bucket is not reachable", err).WithContext("bucket", m.bucket)
	}
	return nil
}

var _ backup.Mirror = (*S3Mirror)(nil)
