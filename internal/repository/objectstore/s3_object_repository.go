package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// S3ObjectRepository manages S3 interactions for snapshots.
type S3ObjectRepository struct {
	client   *s3.Client
	uploader *manager.Uploader
	config   BucketConfig
}

// NewS3ObjectRepository initializes a new S3ObjectRepository.
func NewS3ObjectRepository(client *s3.Client, config BucketConfig) *S3ObjectRepository {
	config.Type = S3Type
	return &S3ObjectRepository{
		client:   client,
		uploader: manager.NewUploader(client),
		config:   config,
	}
}

// GetBucketName returns the bucket name.
func (r *S3ObjectRepository) GetBucketName() string {
	return r.config.Name
}

// GetStorageType returns the object store type.
func (r *S3ObjectRepository) GetStorageType() string {
	return string(S3Type)
}

// Upload uploads an object to S3. The uploader switches to multipart for
// large snapshots and does not need the size up front.
func (r *S3ObjectRepository) Upload(ctx context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	seeker, ok := reader.(io.Seeker)
	var size int64 = -1
	if ok {
		if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				size = end - current
				seeker.Seek(current, io.SeekStart)
			}
		}
	}

	var proxyReader io.Reader = reader
	if !quiet {
		log.Debugf("Uploading to S3: s3://%s/%s", r.config.Name, r.config.objectKey(key))
		bar := progressbar.DefaultBytes(size, "uploading")
		pbReader := progressbar.NewReader(reader, bar)
		proxyReader = &pbReader
	}

	out, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.config.Name),
		Key:    aws.String(r.config.objectKey(key)),
		Body:   proxyReader,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debugf("Uploaded %s", out.Location)
	return "s3://" + r.config.Name + "/" + r.config.objectKey(key), nil
}

// Download downloads an object from S3
func (r *S3ObjectRepository) Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error) {
	result, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Name),
		Key:    aws.String(r.config.objectKey(key)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: s3://%s/%s", zerrors.ErrNotFound, r.config.Name, r.config.objectKey(key))
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}

	if !quiet {
		bar := progressbar.DefaultBytes(aws.ToInt64(result.ContentLength), "downloading")
		return &progressReader{r: result.Body, bar: bar}, nil
	}
	return result.Body, nil
}

// Delete removes an object from S3
func (r *S3ObjectRepository) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.config.Name),
		Key:    aws.String(r.config.objectKey(key)),
	})
	return err
}

// List returns the keys under the repository prefix that start with prefix.
func (r *S3ObjectRepository) List(ctx context.Context, prefix string) ([]string, error) {
	base := ""
	if r.config.Prefix != "" {
		base = r.config.Prefix + "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.config.Name),
		Prefix: aws.String(base + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", r.config.Name, base+prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), base))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
