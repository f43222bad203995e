package s3_test

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/storage/s3"
)

func TestNewValidation(t *testing.T) {
	ctx := context.Background()

	_, err := s3.New(ctx, s3.Config{})
	assert.Error(t, err)

	_, err = s3.New(ctx, s3.Config{Bucket: "vault", EnableSSE: true, SSEAlgorithm: "rot13"})
	assert.Error(t, err)
}

func TestGetDownloadURL(t *testing.T) {
	backend, err := s3.New(context.Background(), s3.Config{
		Region:          "us-east-1",
		Bucket:          "vault",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		Endpoint:        "http://localhost:9000",
		UsePathStyle:    true,
		PresignDuration: 600,
	})
	require.NoError(t, err)

	url, err := backend.GetDownloadURL(context.Background(), "raw-uploads/owner/original/clip.mp4", "clip.mp4")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:9000/vault/raw-uploads/owner/original/clip.mp4?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=600")
	assert.Contains(t, url, "response-content-disposition=")
}

func TestS3BackendIntegration(t *testing.T) {
	if os.Getenv("MINIO_INTEGRATION_TEST") != "1" {
		t.Skip("Skipping S3 integration test. Set MINIO_INTEGRATION_TEST=1 to run.")
	}
	ctx := context.Background()
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}

	backend, err := s3.New(ctx, s3.Config{
		Region:                 "us-east-1",
		Bucket:                 "vault-test",
		AccessKeyID:            "minioadmin",
		SecretAccessKey:        "minioadmin",
		Endpoint:               endpoint,
		UsePathStyle:           true,
		CreateBucketIfNotExist: true,
	})
	require.NoError(t, err)

	key := "raw-uploads/" + uuid.NewString() + "/clip.mp4"
	require.NoError(t, backend.Upload(ctx, strings.NewReader("frames"), vault.UploadParams{ObjectKey: key, MimeType: "video/mp4"}))

	meta, err := backend.GetObjectMeta(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(6), meta.Size)
	assert.Equal(t, "video/mp4", meta.ContentType)

	rc, err := backend.Download(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	require.NoError(t, backend.Delete(ctx, key))
	_, err = backend.GetObjectMeta(ctx, key)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}
