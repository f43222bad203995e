package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tendant/content-vault/pkg/vault"
)

// Config options for the MinIO backend
type Config struct {
	Endpoint        string // host:port of the MinIO server
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	PresignDuration time.Duration // default 1h

	CreateBucketIfNotExist bool
}

// Backend stores objects in a MinIO bucket through the native client.
type Backend struct {
	client          *minio.Client
	bucket          string
	presignDuration time.Duration
}

// New creates a MinIO backend and checks that the bucket is reachable.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.PresignDuration <= 0 {
		config.PresignDuration = time.Hour
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if !config.CreateBucketIfNotExist {
			return nil, fmt.Errorf("bucket %s does not exist", config.Bucket)
		}
		if err := client.MakeBucket(checkCtx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Backend{
		client:          client,
		bucket:          config.Bucket,
		presignDuration: config.PresignDuration,
	}, nil
}

// Upload streams the object with an unknown size; minio-go switches
// to multipart upload as needed.
func (b *Backend) Upload(ctx context.Context, reader io.Reader, params vault.UploadParams) error {
	opts := minio.PutObjectOptions{ContentType: params.MimeType}
	if _, err := b.client.PutObject(ctx, b.bucket, params.ObjectKey, reader, -1, opts); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Download opens the object for reading
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.wrap(objectKey, "get object", err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, b.wrap(objectKey, "get object", err)
	}
	return obj, nil
}

// Delete removes the object
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return b.wrap(objectKey, "remove object", err)
	}
	return nil
}

// GetObjectMeta retrieves metadata for an object
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*vault.ObjectMeta, error) {
	info, err := b.client.StatObject(ctx, b.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return nil, b.wrap(objectKey, "stat object", err)
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &vault.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size,
		ContentType: contentType,
		UpdatedAt:   info.LastModified,
		ETag:        info.ETag,
	}, nil
}

// GetDownloadURL returns a presigned GET URL
func (b *Backend) GetDownloadURL(ctx context.Context, objectKey string, downloadFilename string) (string, error) {
	params := url.Values{}
	if downloadFilename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", downloadFilename))
	}
	u, err := b.client.PresignedGetObject(ctx, b.bucket, objectKey, b.presignDuration, params)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}

func (b *Backend) wrap(objectKey, op string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("object %s: %w", objectKey, vault.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ vault.BlobStore = (*Backend)(nil)
