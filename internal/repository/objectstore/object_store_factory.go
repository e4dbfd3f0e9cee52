package objectstore

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectRepositoryFactory creates object repository instances. Cloud
// clients are only created the first time a repository of their type is
// requested, so purely local use needs no credentials.
type ObjectRepositoryFactory struct {
	awsConfig func(ctx context.Context) (aws.Config, error)
	gcsClient func(ctx context.Context) (*storage.Client, error)

	mu  sync.Mutex
	s3  *s3.Client
	gcs *storage.Client
}

// NewObjectRepositoryFactory creates a new factory. Either loader may be nil
// when its provider is not configured.
func NewObjectRepositoryFactory(
	awsConfig func(ctx context.Context) (aws.Config, error),
	gcsClient func(ctx context.Context) (*storage.Client, error),
) *ObjectRepositoryFactory {
	return &ObjectRepositoryFactory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
	}
}

// CreateRepository creates a repository based on bucket configuration
func (f *ObjectRepositoryFactory) CreateRepository(ctx context.Context, config BucketConfig) (ObjectRepository, error) {
	switch config.Type {
	case FileType:
		return NewFileObjectRepository(config), nil
	case S3Type:
		client, err := f.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		return NewS3ObjectRepository(client, config), nil
	case GCSType:
		client, err := f.gcsClientFor(ctx)
		if err != nil {
			return nil, err
		}
		return NewGCSObjectRepository(client, config), nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}

// Open parses a location and creates its repository.
func (f *ObjectRepositoryFactory) Open(ctx context.Context, location string) (ObjectRepository, error) {
	config, err := ParseBucketConfig(location)
	if err != nil {
		return nil, err
	}
	return f.CreateRepository(ctx, config)
}

func (f *ObjectRepositoryFactory) s3Client(ctx context.Context) (*s3.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s3 != nil {
		return f.s3, nil
	}
	if f.awsConfig == nil {
		return nil, fmt.Errorf("AWS not configured")
	}
	cfg, err := f.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	f.s3 = s3.NewFromConfig(cfg)
	return f.s3, nil
}

func (f *ObjectRepositoryFactory) gcsClientFor(ctx context.Context) (*storage.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gcs != nil {
		return f.gcs, nil
	}
	if f.gcsClient == nil {
		return nil, fmt.Errorf("GCS client not configured")
	}
	client, err := f.gcsClient(ctx)
	if err != nil {
		return nil, err
	}
	f.gcs = client
	return client, nil
}
