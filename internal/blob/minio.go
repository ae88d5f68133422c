package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Prefix    string
}

// Minio stores outputs in an S3 compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

func NewMinio(cfg MinioConfig) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return &Minio{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, region: cfg.Region}, nil
}

// Client exposes the underlying client so source fetching can share it.
func (m *Minio) Client() *minio.Client {
	return m.client
}

// EnsureBucket creates the output bucket when it does not exist yet.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *Minio) Put(ctx context.Context, taskID string, data []byte, contentType string) (string, error) {
	key := m.prefix + ObjectKey(taskID)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: objectMetadata(taskID),
	})
	if err != nil {
		return "", &PersistenceError{Key: key, Err: err}
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, key), nil
}

// objectMetadata tags an object with its task, job and output type.
func objectMetadata(taskID string) map[string]string {
	meta := map[string]string{"task-id": taskID}
	parts := strings.Split(taskID, ":")
	if n := len(parts); n >= 4 {
		meta["job-id"] = strings.Join(parts[:n-3], ":")
		meta["type"] = parts[n-3]
	}
	return meta
}
