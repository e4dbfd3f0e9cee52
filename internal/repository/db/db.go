// Package db keeps the catalog of published topology epochs.
//
// The catalog answers "which epochs exist and where is each snapshot
// archived". It never stores the snapshot itself.
package db

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zcrush/internal/domain"
	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// Catalog records published epochs of one cluster.
type Catalog interface {
	// Record stores a new epoch. The epoch must be newer than every epoch
	// already recorded for the cluster.
	Record(ctx context.Context, rec domain.EpochRecord) error
	Get(ctx context.Context, cluster string, epoch uint64) (domain.EpochRecord, error)
	Latest(ctx context.Context, cluster string) (domain.EpochRecord, error)
	// List returns the recorded epochs, oldest first.
	List(ctx context.Context, cluster string) ([]domain.EpochRecord, error)
	Close() error
}

// Backend names a catalog implementation.
type Backend string

const (
	BoltBackend   Backend = "bolt"
	DynamoBackend Backend = "dynamodb"
)

// Options selects and configures a catalog backend.
type Options struct {
	Backend Backend
	// Path is the bbolt file.
	Path string
	// Table is the DynamoDB table.
	Table string
	// AWSConfig is resolved lazily, only for the DynamoDB backend.
	AWSConfig func(ctx context.Context) (aws.Config, error)
}

// Open creates the configured catalog.
func Open(ctx context.Context, opts Options) (Catalog, error) {
	switch opts.Backend {
	case BoltBackend, "":
		if opts.Path == "" {
			return nil, zerrors.ConfigNotSetError("catalog.path")
		}
		return NewBoltCatalog(opts.Path)
	case DynamoBackend:
		if opts.Table == "" {
			return nil, zerrors.ConfigNotSetError("catalog.table")
		}
		if opts.AWSConfig == nil {
			return nil, fmt.Errorf("no AWS configuration for the %s backend", DynamoBackend)
		}
		awsConfig, err := opts.AWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return NewDynamoCatalog(NewDynamoClient(awsConfig), opts.Table), nil
	default:
		return nil, fmt.Errorf("unsupported catalog backend: %s", opts.Backend)
	}
}

// NewDynamoClient creates a DynamoDB client from the shared AWS config.
func NewDynamoClient(awsConfig aws.Config) *dynamodb.Client {
	client := dynamodb.NewFromConfig(awsConfig)
	if client == nil {
		log.Fatal("Failed to create DynamoDB client")
	}
	return client
}
