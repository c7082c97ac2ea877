package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kinship-social/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_Disabled(t *testing.T) {
	s, err := Open(context.Background(), config.StorageConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "ftp"})
	assert.ErrorContains(t, err, `unknown storage backend "ftp"`)
}

func TestOpen_MinioRequiresEndpoint(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "minio"})
	assert.ErrorContains(t, err, "minio endpoint is required")
}

func TestOpen_GCSRequiresBucket(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "gcs"})
	assert.ErrorContains(t, err, "gcs bucket is required")
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "profile-pictures/u1/1_a.png", strings.NewReader("png"), 3, "image/png"))

	reader, err := s.Get(ctx, "profile-pictures/u1/1_a.png")
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	require.NoError(t, s.Delete(ctx, "profile-pictures/u1/1_a.png"))
	_, err = s.Get(ctx, "profile-pictures/u1/1_a.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestPutRequiresKey(t *testing.T) {
	s := NewStorage(NewMemoryBackend("test"))
	err := s.Put(context.Background(), " ", strings.NewReader("x"), 1, "image/png")
	assert.Error(t, err)
}
