package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/charmbracelet/log"
)

const (
	dynamoKeyAttr     = "discord_thread_id"
	dynamoSessionAttr = "assistant_thread_id"
	dynamoCreatedAttr = "created_at"
	dynamoUpdatedAttr = "updated_at"
)

// DynamoAPI is the subset of the DynamoDB client the relation store uses
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoRelationStore implements RelationStore on a DynamoDB table keyed by
// discord_thread_id
type DynamoRelationStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoRelationStore builds a client from the default AWS credential chain
func NewDynamoRelationStore(ctx context.Context, table, region, endpoint string) (*DynamoRelationStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info("relation store initialized", "driver", DriverDynamoDB, "table", table, "region", cfg.Region)
	return NewDynamoRelationStoreWithClient(client, table), nil
}

// NewDynamoRelationStoreWithClient wraps an existing client
func NewDynamoRelationStoreWithClient(client DynamoAPI, table string) *DynamoRelationStore {
	if table == "" {
		table = DefaultTable
	}
	return &DynamoRelationStore{client: client, table: table}
}

func relationKey(chatThreadID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: chatThreadID},
	}
}

// Get reads the relation with a consistent read
func (d *DynamoRelationStore) Get(ctx context.Context, chatThreadID string) (Relation, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            relationKey(chatThreadID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Relation{}, false, fmt.Errorf("failed to get relation: %w", err)
	}
	if len(out.Item) == 0 {
		return Relation{}, false, nil
	}
	return relationFromItem(out.Item), true, nil
}

// Upsert sets the session id, keeping created_at from the first write
func (d *DynamoRelationStore) Upsert(ctx context.Context, chatThreadID, assistantSessionID string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              relationKey(chatThreadID),
		UpdateExpression: aws.String("SET #s = :s, #u = :now, #c = if_not_exists(#c, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#s": dynamoSessionAttr,
			"#u": dynamoUpdatedAttr,
			"#c": dynamoCreatedAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":   &types.AttributeValueMemberS{Value: assistantSessionID},
			":now": &types.AttributeValueMemberN{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	return nil
}

// Delete removes the item; DynamoDB treats deleting a missing key as success
func (d *DynamoRelationStore) Delete(ctx context.Context, chatThreadID string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       relationKey(chatThreadID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete relation: %w", err)
	}
	return nil
}

// List scans the table. Scan order is unspecified, so results are sorted here.
func (d *DynamoRelationStore) List(ctx context.Context, limit int) ([]Relation, error) {
	var relations []Relation
	var startKey map[string]types.AttributeValue

	for {
		out, err := d.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(d.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan relations: %w", err)
		}
		for _, item := range out.Items {
			relations = append(relations, relationFromItem(item))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(relations, func(i, j int) bool {
		return relations[i].UpdatedAt.After(relations[j].UpdatedAt)
	})
	if limit > 0 && len(relations) > limit {
		relations = relations[:limit]
	}
	return relations, nil
}

// Close is a no-op; the AWS client holds no connections that need releasing
func (d *DynamoRelationStore) Close() error {
	return nil
}

func relationFromItem(item map[string]types.AttributeValue) Relation {
	var rel Relation
	if v, ok := item[dynamoKeyAttr].(*types.AttributeValueMemberS); ok {
		rel.ChatThreadID = v.Value
	}
	if v, ok := item[dynamoSessionAttr].(*types.AttributeValueMemberS); ok {
		rel.AssistantSessionID = v.Value
	}
	if v, ok := item[dynamoCreatedAttr].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			rel.CreatedAt = time.UnixMilli(ms)
		}
	}
	if v, ok := item[dynamoUpdatedAttr].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			rel.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return rel
}
