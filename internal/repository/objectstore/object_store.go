// Package objectstore archives encoded topology snapshots in object storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// ObjectRepository defines the interface for object storage operations.
// Keys are slash separated and relative to the repository prefix.
type ObjectRepository interface {
	// Upload stores r under key and returns the object's URI.
	Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	GetBucketName() string
	GetStorageType() string
}

// RepositoryType represents the type of object storage
type RepositoryType string

const (
	S3Type   RepositoryType = "s3"
	GCSType  RepositoryType = "gcs"
	FileType RepositoryType = "file"
)

// BucketConfig holds configuration for a storage bucket
type BucketConfig struct {
	// Name is the bucket, or the directory for FileType.
	Name   string
	Type   RepositoryType
	Prefix string
}

// URI renders the configuration back in the form ParseBucketConfig accepts.
func (c BucketConfig) URI() string {
	var base string
	switch c.Type {
	case S3Type:
		base = "s3://" + c.Name
	case GCSType:
		base = "gs://" + c.Name
	default:
		base = "file://" + c.Name
	}
	if c.Prefix == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + c.Prefix
}

func (c BucketConfig) objectKey(key string) string {
	if c.Prefix == "" {
		return key
	}
	return path.Join(c.Prefix, key)
}

// ParseBucketConfig parses bucket configuration from string.
// Formats: "s3://bucket/prefix", "gs://bucket/prefix", "file:///dir",
// "s3:bucket", "gcs:bucket", or a bare directory path.
func ParseBucketConfig(bucketStr string) (BucketConfig, error) {
	bucketStr = strings.TrimSpace(bucketStr)
	if bucketStr == "" {
		return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
	}

	// Handle URI format (s3://, gs://, file://)
	if strings.Contains(bucketStr, "://") {
		parts := strings.SplitN(bucketStr, "://", 2)
		scheme := strings.ToLower(strings.TrimSpace(parts[0]))
		rest := strings.TrimSpace(parts[1])

		if scheme == "file" {
			if rest == "" {
				return BucketConfig{}, fmt.Errorf("directory cannot be empty")
			}
			return BucketConfig{Name: path.Clean(rest), Type: FileType}, nil
		}

		var repoType RepositoryType
		switch scheme {
		case "s3":
			repoType = S3Type
		case "gs", "gcs":
			repoType = GCSType
		default:
			return BucketConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
		}

		bucketName, prefix, _ := strings.Cut(rest, "/")
		if bucketName == "" {
			return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
		}
		return BucketConfig{
			Name:   bucketName,
			Type:   repoType,
			Prefix: strings.Trim(prefix, "/"),
		}, nil
	}

	// Handle colon format (s3:bucket-name)
	if kind, name, ok := strings.Cut(bucketStr, ":"); ok && !strings.ContainsAny(kind, "/.") {
		repoType := RepositoryType(strings.ToLower(strings.TrimSpace(kind)))
		if repoType != S3Type && repoType != GCSType {
			return BucketConfig{}, fmt.Errorf("unsupported repository type: %s", kind)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return BucketConfig{}, fmt.Errorf("bucket name cannot be empty")
		}
		return BucketConfig{Name: name, Type: repoType}, nil
	}

	// Anything else is a local directory
	return BucketConfig{Name: path.Clean(bucketStr), Type: FileType}, nil
}

// SplitObjectURI splits the URI of a single object into the configuration
// of its directory and the key inside it.
func SplitObjectURI(uri string) (BucketConfig, string, error) {
	cfg, err := ParseBucketConfig(uri)
	if err != nil {
		return BucketConfig{}, "", err
	}
	if cfg.Type == FileType {
		dir, key := path.Split(cfg.Name)
		if key == "" {
			return BucketConfig{}, "", fmt.Errorf("no object in %s", uri)
		}
		cfg.Name = path.Clean(dir)
		return cfg, key, nil
	}
	if cfg.Prefix == "" {
		return BucketConfig{}, "", fmt.Errorf("no object in %s", uri)
	}
	dir, key := path.Split(cfg.Prefix)
	cfg.Prefix = strings.TrimSuffix(dir, "/")
	return cfg, key, nil
}
