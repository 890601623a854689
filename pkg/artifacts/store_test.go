package artifacts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := []byte(`{"bundle":1}`)
	d1, err := s.Put(ctx, data)
	require.NoError(t, err)
	d2, err := s.Put(ctx, data)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, Digest(data), d1)

	got, err := s.Get(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, d1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing := Digest([]byte("never stored"))
	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, missing)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestObjectName_RejectsBadDigests(t *testing.T) {
	for _, d := range []string{"", "md5:abcd", "sha256:zz", "sha256:abcd", "sha256:../../etc/passwd"} {
		_, err := objectName(d)
		assert.Error(t, err, d)
	}
}

func TestNew_DefaultsToFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(context.Background(), Config{DataDir: dir})
	require.NoError(t, err)

	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "bundles"), fs.baseDir)
}

func TestNew_S3RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Type: BackendS3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARTIFACT_S3_BUCKET is required")
}

func TestNew_S3WithEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	s, err := New(context.Background(), Config{
		Type:       BackendS3,
		S3Bucket:   "evidence",
		S3Endpoint: "http://localhost:9000",
		S3Prefix:   "bundles/",
	})
	require.NoError(t, err)

	s3s, ok := s.(*S3Store)
	require.True(t, ok)
	key, err := s3s.key(Digest([]byte("x")))
	require.NoError(t, err)
	assert.Contains(t, key, "bundles/")
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "tape"})
	assert.Error(t, err)
}
