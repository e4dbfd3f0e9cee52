package objectstore

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

func TestParseBucketConfig(t *testing.T) {
	tests := []struct {
		in   string
		want BucketConfig
	}{
		{"s3://maps", BucketConfig{Name: "maps", Type: S3Type}},
		{"s3://maps/prod/east/", BucketConfig{Name: "maps", Type: S3Type, Prefix: "prod/east"}},
		{"gs://maps/prod", BucketConfig{Name: "maps", Type: GCSType, Prefix: "prod"}},
		{"s3:maps", BucketConfig{Name: "maps", Type: S3Type}},
		{"gcs:maps", BucketConfig{Name: "maps", Type: GCSType}},
		{"file:///var/lib/zcrush", BucketConfig{Name: "/var/lib/zcrush", Type: FileType}},
		{"/var/lib/zcrush/", BucketConfig{Name: "/var/lib/zcrush", Type: FileType}},
		{"archive", BucketConfig{Name: "archive", Type: FileType}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBucketConfig(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "s3://", "ftp://host/x", "azure:box", "file://"} {
		_, err := ParseBucketConfig(bad)
		require.Error(t, err, bad)
	}
}

func TestBucketConfig_URI(t *testing.T) {
	for _, in := range []string{"s3://maps/prod", "gs://maps", "file:///var/lib/zcrush"} {
		cfg, err := ParseBucketConfig(in)
		require.NoError(t, err)
		require.Equal(t, in, cfg.URI())
	}
}

func TestSplitObjectURI(t *testing.T) {
	cfg, key, err := SplitObjectURI("s3://maps/prod/epoch-7.zcrs")
	require.NoError(t, err)
	require.Equal(t, BucketConfig{Name: "maps", Type: S3Type, Prefix: "prod"}, cfg)
	require.Equal(t, "epoch-7.zcrs", key)

	cfg, key, err = SplitObjectURI("file:///tmp/maps/epoch-7.zcrs")
	require.NoError(t, err)
	require.Equal(t, BucketConfig{Name: "/tmp/maps", Type: FileType}, cfg)
	require.Equal(t, "epoch-7.zcrs", key)

	_, _, err = SplitObjectURI("s3://maps")
	require.Error(t, err)
}

func TestFileObjectRepository(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo := NewFileObjectRepository(BucketConfig{Name: dir, Prefix: "east"})
	require.Equal(t, "file", repo.GetStorageType())
	require.Equal(t, dir, repo.GetBucketName())

	keys, err := repo.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)

	uri, err := repo.Upload(ctx, "epoch-2.zcrs", bytes.NewReader([]byte("two")), true)
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "east", "epoch-2.zcrs")), uri)
	_, err = repo.Upload(ctx, "epoch-1.zcrs", bytes.NewReader([]byte("one")), true)
	require.NoError(t, err)
	_, err = repo.Upload(ctx, "notes/readme", bytes.NewReader([]byte("x")), true)
	require.NoError(t, err)

	keys, err = repo.List(ctx, "epoch-")
	require.NoError(t, err)
	require.Equal(t, []string{"epoch-1.zcrs", "epoch-2.zcrs"}, keys)

	rc, err := repo.Download(ctx, "epoch-2.zcrs", true)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "two", string(data))

	require.NoError(t, repo.Delete(ctx, "epoch-2.zcrs"))
	require.NoError(t, repo.Delete(ctx, "epoch-2.zcrs"))
	_, err = repo.Download(ctx, "epoch-2.zcrs", true)
	require.ErrorIs(t, err, zerrors.ErrNotFound)

	_, err = repo.Upload(ctx, "../escape", bytes.NewReader(nil), true)
	require.Error(t, err)
}

func TestFactory_LocalNeedsNoClients(t *testing.T) {
	f := NewObjectRepositoryFactory(nil, nil)
	repo, err := f.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "file", repo.GetStorageType())

	_, err = f.Open(context.Background(), "s3://maps")
	require.Error(t, err)
	_, err = f.Open(context.Background(), "gs://maps")
	require.Error(t, err)
}
