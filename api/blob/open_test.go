package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNone(t *testing.T) {
	for _, backend := range []string{"", BackendNone} {
		s, err := Open(context.Background(), Options{Backend: backend}, nil)
		require.NoError(t, err)
		assert.Nil(t, s)
	}
}

func TestOpenMinio(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: BackendMinio}, nil)
	assert.Error(t, err)

	s, err := Open(context.Background(), Options{Backend: BackendMinio, Minio: MinioConfig{Endpoint: "127.0.0.1:9000", Bucket: "b"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MinioStore{}, s)
}

func TestOpenS3(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	_, err := Open(context.Background(), Options{Backend: BackendS3}, nil)
	assert.Error(t, err)

	s, err := Open(context.Background(), Options{Backend: BackendS3, Region: "eu-west-1", Minio: MinioConfig{Bucket: "payloads"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, s)
}

func TestOpenUnknown(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "gcs"}, nil)
	assert.Error(t, err)
}
