package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// GCSObjectRepository implements ObjectRepository for Google Cloud Storage
type GCSObjectRepository struct {
	client *storage.Client
	config BucketConfig
}

// NewGCSObjectRepository creates a new GCS object repository
func NewGCSObjectRepository(client *storage.Client, config BucketConfig) *GCSObjectRepository {
	config.Type = GCSType
	return &GCSObjectRepository{client: client, config: config}
}

// Upload uploads an object to GCS
func (r *GCSObjectRepository) Upload(ctx context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	name := r.config.objectKey(key)
	writer := r.client.Bucket(r.config.Name).Object(name).NewWriter(ctx)

	var proxyReader io.Reader = reader
	if !quiet {
		log.Debugf("Uploading to GCS: gs://%s/%s", r.config.Name, name)
		bar := progressbar.DefaultBytes(-1, "uploading")
		pbReader := progressbar.NewReader(reader, bar)
		proxyReader = &pbReader
	}

	if _, err := io.Copy(writer, proxyReader); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to upload to GCS: %w", err)
	}
	// the object is only committed by Close
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to upload to GCS: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", r.config.Name, name), nil
}

// progressReader wraps a ReadCloser with a progress bar
type progressReader struct {
	r   io.ReadCloser
	bar *progressbar.ProgressBar
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.r.Read(p)
	if pr.bar != nil {
		pr.bar.Add(n)
	}
	return n, err
}

func (pr *progressReader) Close() error {
	return pr.r.Close()
}

// Download downloads an object from GCS
func (r *GCSObjectRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	name := r.config.objectKey(key)
	reader, err := r.client.Bucket(r.config.Name).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", zerrors.ErrNotFound, r.config.Name, name)
		}
		return nil, fmt.Errorf("failed to download from GCS: %w", err)
	}

	if quiet {
		return reader, nil
	}
	log.Debugf("Downloading from GCS: gs://%s/%s", r.config.Name, name)
	return &progressReader{r: reader, bar: progressbar.DefaultBytes(reader.Attrs.Size, "downloading")}, nil
}

// Delete deletes an object from GCS
func (r *GCSObjectRepository) Delete(ctx context.Context, key string) error {
	err := r.client.Bucket(r.config.Name).Object(r.config.objectKey(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// List returns the keys under the repository prefix that start with prefix.
func (r *GCSObjectRepository) List(ctx context.Context, prefix string) ([]string, error) {
	base := ""
	if r.config.Prefix != "" {
		base = r.config.Prefix + "/"
	}

	var keys []string
	it := r.client.Bucket(r.config.Name).Objects(ctx, &storage.Query{Prefix: base + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", base+prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, base))
	}
	sort.Strings(keys)
	return keys, nil
}

// GetBucketName returns the bucket name
func (r *GCSObjectRepository) GetBucketName() string {
	return r.config.Name
}

// GetStorageType returns the storage type
func (r *GCSObjectRepository) GetStorageType() string {
	return string(GCSType)
}
