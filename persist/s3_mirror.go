package persist

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Config configures the S3 compatible endpoint used to mirror backups.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
}

// S3Mirror copies finished backup artifacts to an S3 bucket. Objects are
// stored as [keyPrefix/]backups/<backupID>.tvb.
type S3Mirror struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Mirror connects to the endpoint and creates the bucket when it does not exist.
func NewS3Mirror(config S3Config) (*S3Mirror, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror requires an endpoint and a bucket")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	m := &S3Mirror{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = m.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}
	return m, nil
}

// Upload writes the artifact bytes and tags the object with the backup id.
func (m *S3Mirror) Upload(ctx context.Context, backupID string, data []byte) error {
	if err := validateID(backupID); err != nil {
		return fmt.Errorf("invalid backup ID: %w", err)
	}

	_, err := m.client.PutObject(ctx, m.bucketName, m.objectName(backupID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"backup-id":  backupID,
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload backup %s: %w", backupID, err)
	}
	return nil
}

func (m *S3Mirror) Remove(ctx context.Context, backupID string) error {
	if err := validateID(backupID); err != nil {
		return fmt.Errorf("invalid backup ID: %w", err)
	}

	err := m.client.RemoveObject(ctx, m.bucketName, m.objectName(backupID), minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("backup %s: %w", backupID, ErrNotFound)
		}
		return fmt.Errorf("failed to remove backup %s: %w", backupID, err)
	}
	return nil
}

// List returns the mirrored backup ids, sorted.
func (m *S3Mirror) List(ctx context.Context) ([]string, error) {
	prefix := m.objectPrefix()

	var ids []string
	for object := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		name := path.Base(object.Key)
		if !strings.HasSuffix(name, backupExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, backupExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks the bucket is reachable.
func (m *S3Mirror) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucketName); err != nil {
		return fmt.Errorf("s3 endpoint unreachable: %w", err)
	}
	return nil
}

func (m *S3Mirror) objectPrefix() string {
	if m.keyPrefix == "" {
		return "backups/"
	}
	return m.keyPrefix + "/backups/"
}

func (m *S3Mirror) objectName(backupID string) string {
	return m.objectPrefix() + backupID + backupExt
}

func (m *S3Mirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = m.client.MakeBucket(ctx, m.bucketName, minio.MakeBucketOptions{Region: ""})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}
