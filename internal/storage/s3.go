package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/kenneth/secure-image-vault/internal/config"
	"github.com/kenneth/secure-image-vault/internal/metrics"
)

const backendS3 = "s3"

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store stores encrypted objects in an S3 bucket using AWS SDK v2.
type S3Store struct {
	client  s3API
	bucket  string
	prefix  string
	metrics *metrics.Metrics
}

// NewS3Store creates a store for any S3-compatible endpoint.
func NewS3Store(ctx context.Context, cfg config.StorageConfig, m *metrics.Metrics) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Store(s3.NewFromConfig(awsCfg, s3Options...), cfg.Bucket, cfg.Prefix, m), nil
}

func newS3Store(client s3API, bucket, prefix string, m *metrics.Metrics) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, metrics: m}
}

func (s *S3Store) key(fileID string) string {
	return path.Join(s.prefix, fileID)
}

// PutEncryptedObject uploads the ciphertext with its metadata.
func (s *S3Store) PutEncryptedObject(ctx context.Context, obj *Object) (string, error) {
	start := time.Now()
	fileID := uuid.NewString()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(fileID)),
		Body:          bytes.NewReader(obj.Ciphertext),
		ContentLength: aws.Int64(int64(len(obj.Ciphertext))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      EncodeMetadata(obj),
	})
	if err != nil {
		s.metrics.RecordStorageError("put", backendS3, errorType(err))
		return "", fmt.Errorf("failed to put object %s/%s: %w", s.bucket, fileID, err)
	}

	s.metrics.RecordStorageOperation("put", backendS3, time.Since(start))
	return fileID, nil
}

// GetEncryptedObject downloads the ciphertext and rebuilds its metadata.
func (s *S3Store) GetEncryptedObject(ctx context.Context, fileID string) (*Object, error) {
	start := time.Now()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fileID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		s.metrics.RecordStorageError("get", backendS3, errorType(err))
		return nil, fmt.Errorf("failed to get object %s/%s: %w", s.bucket, fileID, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		s.metrics.RecordStorageError("get", backendS3, "read")
		return nil, fmt.Errorf("failed to read object %s/%s: %w", s.bucket, fileID, err)
	}

	obj, err := DecodeMetadata(fileID, body, result.Metadata)
	if err != nil {
		s.metrics.RecordStorageError("get", backendS3, "metadata")
		return nil, err
	}

	s.metrics.RecordStorageOperation("get", backendS3, time.Since(start))
	return obj, nil
}

// DeleteEncryptedObject deletes the object. S3 treats missing keys as success.
func (s *S3Store) DeleteEncryptedObject(ctx context.Context, fileID string) error {
	start := time.Now()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fileID)),
	})
	if err != nil && !isNotFound(err) {
		s.metrics.RecordStorageError("delete", backendS3, errorType(err))
		return fmt.Errorf("failed to delete object %s/%s: %w", s.bucket, fileID, err)
	}

	s.metrics.RecordStorageOperation("delete", backendS3, time.Since(start))
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// errorType gives a low-cardinality label for storage error metrics.
func errorType(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "unknown"
}
