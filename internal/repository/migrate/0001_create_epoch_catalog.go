package migrate

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	EpochCatalogTableName = "zcrush_epochs"
	EpochCatalogVersion   = "20260301000000_epoch_catalog_table"
)

// CreateEpochCatalogTable creates the DynamoDB table backing the epoch catalog.
type CreateEpochCatalogTable struct {
	// Table overrides EpochCatalogTableName.
	Table string
}

func (m *CreateEpochCatalogTable) Version() string {
	return EpochCatalogVersion
}

func (m *CreateEpochCatalogTable) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return EpochCatalogTableName
}

// CreateTableInput describes the table: cluster partition key, numeric epoch
// sort key.
func (m *CreateEpochCatalogTable) CreateTableInput() *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("epoch"),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster"),
				KeyType:       types.KeyTypeHash, // Partition Key
			},
			{
				AttributeName: aws.String("epoch"),
				KeyType:       types.KeyTypeRange, // Sort Key
			},
		},
		TableName:   aws.String(m.TableName()),
		BillingMode: types.BillingModePayPerRequest,
		Tags: []types.Tag{
			{
				Key:   aws.String("Purpose"),
				Value: aws.String("TopologyEpochCatalog"),
			},
		},
	}
}

func (m *CreateEpochCatalogTable) Up(ctx context.Context, client *dynamodb.Client) error {
	if _, err := client.CreateTable(ctx, m.CreateTableInput()); err != nil {
		return err
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(m.TableName()),
	}, 5*time.Minute)
}

func (m *CreateEpochCatalogTable) Down(ctx context.Context, client *dynamodb.Client) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(m.TableName()),
	})
	return err
}
