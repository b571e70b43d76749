package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses
type DynamoAPI interface {
	TransactGetItems(ctx context.Context, params *dynamodb.TransactGetItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactGetItemsOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// dynamoRecord is one key in the table. TTL is the table's expiry attribute
// in epoch seconds; DynamoDB removes expired rows lazily so reads check it too.
type dynamoRecord struct {
	Key   string `dynamodbav:"pk"`
	Value string `dynamodbav:"value"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// DynamoStore implements Store on a DynamoDB table keyed by "pk"
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoStore creates a store on table
func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

func (d *DynamoStore) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: k}}
}

// Get reads every key in one transaction
func (d *DynamoStore) Get(ctx context.Context, keys ...string) ([]string, error) {
	items := make([]types.TransactGetItem, len(keys))
	for i, k := range keys {
		items[i] = types.TransactGetItem{Get: &types.Get{
			TableName: aws.String(d.table),
			Key:       d.key(k),
		}}
	}

	out, err := d.client.TransactGetItems(ctx, &dynamodb.TransactGetItemsInput{TransactItems: items})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get error: %w", err)
	}
	if len(out.Responses) != len(keys) {
		return nil, ErrNotFound
	}

	now := d.now().Unix()
	values := make([]string, len(keys))
	for i, resp := range out.Responses {
		if resp.Item == nil {
			return nil, ErrNotFound
		}
		var rec dynamoRecord
		if err := attributevalue.UnmarshalMap(resp.Item, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if rec.TTL > 0 && rec.TTL <= now {
			return nil, ErrNotFound
		}
		values[i] = rec.Value
	}

	return values, nil
}

// Set writes every key in one transaction
func (d *DynamoStore) Set(ctx context.Context, values map[string]string, ttl time.Duration) error {
	var expires int64
	if ttl > 0 {
		expires = d.now().Add(ttl).Unix()
	}

	items := make([]types.TransactWriteItem, 0, len(values))
	for k, v := range values {
		item, err := attributevalue.MarshalMap(dynamoRecord{Key: k, Value: v, TTL: expires})
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(d.table),
			Item:      item,
		}})
	}

	if _, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("dynamodb put error: %w", err)
	}
	return nil
}

// Delete removes keys in one transaction
func (d *DynamoStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	items := make([]types.TransactWriteItem, len(keys))
	for i, k := range keys {
		items[i] = types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(d.table),
			Key:       d.key(k),
		}}
	}

	if _, err := d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("dynamodb delete error: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connection of its own
func (d *DynamoStore) Close() error {
	return nil
}
