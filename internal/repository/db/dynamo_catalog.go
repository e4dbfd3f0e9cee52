package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zcrush/internal/domain"
	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// DynamoAPI is the subset of the DynamoDB client the catalog uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoCatalog manages DynamoDB interactions for EpochRecord. The table is
// keyed by cluster (partition) and epoch (numeric sort key).
type DynamoCatalog struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoCatalog initializes a new DynamoCatalog.
func NewDynamoCatalog(client DynamoAPI, tableName string) *DynamoCatalog {
	return &DynamoCatalog{
		client:    client,
		tableName: tableName,
	}
}

func (c *DynamoCatalog) clusterQuery(cluster string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("#cluster = :cluster"),
		ExpressionAttributeNames: map[string]string{
			"#cluster": "cluster",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster": &types.AttributeValueMemberS{Value: cluster},
		},
	}
}

// Record stores an epoch record. Epochs must increase per cluster; the check
// runs against the newest record and the write is conditional on the key
// being new.
func (c *DynamoCatalog) Record(ctx context.Context, rec domain.EpochRecord) error {
	latest, err := c.Latest(ctx, rec.Cluster)
	switch {
	case err == nil && latest.Epoch >= rec.Epoch:
		return fmt.Errorf("%w: %d <= %d", zerrors.ErrStaleEpoch, rec.Epoch, latest.Epoch)
	case err != nil && !errors.Is(err, zerrors.ErrNotFound):
		return err
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal epoch record: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#epoch)"),
		ExpressionAttributeNames: map[string]string{
			"#epoch": "epoch",
		},
	}
	if _, err := c.client.PutItem(ctx, input); err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return fmt.Errorf("%w: epoch %d already recorded", zerrors.ErrStaleEpoch, rec.Epoch)
		}
		return fmt.Errorf("failed to record epoch: %w", err)
	}
	return nil
}

// Get retrieves one epoch record.
func (c *DynamoCatalog) Get(ctx context.Context, cluster string, epoch uint64) (domain.EpochRecord, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"cluster": &types.AttributeValueMemberS{Value: cluster},
			"epoch":   &types.AttributeValueMemberN{Value: strconv.FormatUint(epoch, 10)},
		},
	}

	result, err := c.client.GetItem(ctx, input)
	if err != nil {
		return domain.EpochRecord{}, fmt.Errorf("failed to get epoch record: %w", err)
	}
	if result.Item == nil {
		return domain.EpochRecord{}, fmt.Errorf("%w: epoch %d of %q", zerrors.ErrNotFound, epoch, cluster)
	}

	var rec domain.EpochRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return domain.EpochRecord{}, fmt.Errorf("failed to unmarshal epoch record: %w", err)
	}
	return rec, nil
}

// Latest retrieves the newest epoch record.
func (c *DynamoCatalog) Latest(ctx context.Context, cluster string) (domain.EpochRecord, error) {
	input := c.clusterQuery(cluster)
	input.ScanIndexForward = aws.Bool(false)
	input.Limit = aws.Int32(1)

	result, err := c.client.Query(ctx, input)
	if err != nil {
		return domain.EpochRecord{}, fmt.Errorf("failed to query latest epoch: %w", err)
	}
	if len(result.Items) == 0 {
		return domain.EpochRecord{}, fmt.Errorf("%w: no epochs for %q", zerrors.ErrNotFound, cluster)
	}

	var rec domain.EpochRecord
	if err := attributevalue.UnmarshalMap(result.Items[0], &rec); err != nil {
		return domain.EpochRecord{}, fmt.Errorf("failed to unmarshal epoch record: %w", err)
	}
	return rec, nil
}

// List retrieves every epoch record of a cluster, oldest first.
func (c *DynamoCatalog) List(ctx context.Context, cluster string) ([]domain.EpochRecord, error) {
	var recs []domain.EpochRecord
	paginator := dynamodb.NewQueryPaginator(c.client, c.clusterQuery(cluster))
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query epochs: %w", err)
		}
		var batch []domain.EpochRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal epoch records: %w", err)
		}
		recs = append(recs, batch...)
	}
	return recs, nil
}

// Close is a no-op; the client is shared.
func (c *DynamoCatalog) Close() error {
	return nil
}
