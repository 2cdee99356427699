package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/metrics"
)

const backendMinIO = "minio"

// MinIOStore stores encrypted objects in a MinIO bucket.
type MinIOStore struct {
	client  *minio.Client
	bucket  string
	prefix  string
	metrics *metrics.Metrics
}

// NewMinIOStore connects to MinIO and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	s := &MinIOStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, metrics: m}
	if err := s.EnsureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinIOStore) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIOStore) key(fileID string) string {
	return path.Join(s.prefix, fileID)
}

func (s *MinIOStore) PutEncryptedObject(ctx context.Context, obj *Object) (string, error) {
	start := time.Now()
	fileID := uuid.NewString()

	_, err := s.client.PutObject(ctx, s.bucket, s.key(fileID), bytes.NewReader(obj.Ciphertext), int64(len(obj.Ciphertext)),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: EncodeMetadata(obj),
		})
	if err != nil {
		s.metrics.RecordStorageError("put", backendMinIO, minioErrorType(err))
		return "", fmt.Errorf("failed to put object %s/%s: %w", s.bucket, fileID, err)
	}

	s.metrics.RecordStorageOperation("put", backendMinIO, time.Since(start))
	return fileID, nil
}

func (s *MinIOStore) GetEncryptedObject(ctx context.Context, fileID string) (*Object, error) {
	start := time.Now()

	reader, err := s.client.GetObject(ctx, s.bucket, s.key(fileID), minio.GetObjectOptions{})
	if err != nil {
		s.metrics.RecordStorageError("get", backendMinIO, minioErrorType(err))
		return nil, fmt.Errorf("failed to get object %s/%s: %w", s.bucket, fileID, err)
	}
	defer reader.Close()

	// Stat surfaces NoSuchKey before the body is read.
	info, err := reader.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		s.metrics.RecordStorageError("get", backendMinIO, minioErrorType(err))
		return nil, fmt.Errorf("failed to stat object %s/%s: %w", s.bucket, fileID, err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		s.metrics.RecordStorageError("get", backendMinIO, "read")
		return nil, fmt.Errorf("failed to read object %s/%s: %w", s.bucket, fileID, err)
	}

	obj, err := DecodeMetadata(fileID, body, info.UserMetadata)
	if err != nil {
		s.metrics.RecordStorageError("get", backendMinIO, "metadata")
		return nil, err
	}

	s.metrics.RecordStorageOperation("get", backendMinIO, time.Since(start))
	return obj, nil
}

func (s *MinIOStore) DeleteEncryptedObject(ctx context.Context, fileID string) error {
	start := time.Now()

	if err := s.client.RemoveObject(ctx, s.bucket, s.key(fileID), minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		s.metrics.RecordStorageError("delete", backendMinIO, minioErrorType(err))
		return fmt.Errorf("failed to delete object %s/%s: %w", s.bucket, fileID, err)
	}

	s.metrics.RecordStorageOperation("delete", backendMinIO, time.Since(start))
	return nil
}

func minioErrorType(err error) string {
	if code := minio.ToErrorResponse(err).Code; code != "" {
		return code
	}
	return "unknown"
}
