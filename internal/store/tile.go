package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Secondary index names on the tile-request table.
const (
	InferenceIDIndex    = "inference_id-index"
	OutputLocationIndex = "output_location-index"
)

// TileRequestTTL bounds how long async tile rows live.
const TileRequestTTL = 7 * 24 * time.Hour

// TileRequestItem is one row of the tile-request table
// (hash: region_id, range: tile_id). Rows exist only for the async path.
type TileRequestItem struct {
	RegionID string `dynamodbav:"region_id"`
	TileID   string `dynamodbav:"tile_id"`
	ImageID  string `dynamodbav:"image_id"`

	ImagePath  string `dynamodbav:"image_path"`
	TileBounds string `dynamodbav:"tile_bounds"`

	InputLocation   string `dynamodbav:"input_location,omitempty"`
	InferenceID     string `dynamodbav:"inference_id,omitempty"`
	OutputLocation  string `dynamodbav:"output_location,omitempty"`
	FailureLocation string `dynamodbav:"failure_location,omitempty"`

	Status        Status `dynamodbav:"status"`
	FailureReason string `dynamodbav:"failure_reason,omitempty"`
	RetryCount    int    `dynamodbav:"retry_count"`

	ExpireTime int64 `dynamodbav:"expire_time"`
}

// TileRequestStore tracks asynchronous tile inferences. Result notifications
// may arrive keyed by inference id or by result object URI, hence the two
// secondary indexes.
type TileRequestStore struct {
	client DynamoDBAPI
	table  string
}

// NewTileRequestStore binds the store to its table.
func NewTileRequestStore(client DynamoDBAPI, table string) *TileRequestStore {
	return &TileRequestStore{client: client, table: table}
}

// CreateTileRequest writes the PENDING row at submission time.
func (s *TileRequestStore) CreateTileRequest(ctx context.Context, item *TileRequestItem) error {
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.ExpireTime == 0 {
		item.ExpireTime = time.Now().Add(TileRequestTTL).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal tile request: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put tile request %s/%s: %w", item.RegionID, item.TileID, err)
	}
	return nil
}

// MarkInProgress stores the correlation handles returned by the async
// endpoint.
func (s *TileRequestStore) MarkInProgress(ctx context.Context, regionID, tileID, inferenceID, outputLocation, failureLocation string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       tileKey(regionID, tileID),
		UpdateExpression: aws.String(
			"SET #st = :s, inference_id = :inf, output_location = :out, failure_location = :fail"),
		ExpressionAttributeNames: map[string]string{"#st": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":    &types.AttributeValueMemberS{Value: string(StatusInProgress)},
			":inf":  &types.AttributeValueMemberS{Value: inferenceID},
			":out":  &types.AttributeValueMemberS{Value: outputLocation},
			":fail": &types.AttributeValueMemberS{Value: failureLocation},
		},
	})
	if err != nil {
		return fmt.Errorf("mark tile in progress %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// CompleteTile transitions the row to a terminal status. The write is
// conditioned on the row not already being terminal, so of the competing
// observers (success notification, failure notification, poller) at most one
// performs the transition; the rest get ErrConditionFailed.
func (s *TileRequestStore) CompleteTile(ctx context.Context, regionID, tileID string, status Status, failureReason string) error {
	values := map[string]types.AttributeValue{
		":s":       &types.AttributeValueMemberS{Value: string(status)},
		":success": &types.AttributeValueMemberS{Value: string(StatusSuccess)},
		":failed":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
	}
	expr := "SET #st = :s"
	if failureReason != "" {
		expr += ", failure_reason = :reason"
		values[":reason"] = &types.AttributeValueMemberS{Value: failureReason}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 tileKey(regionID, tileID),
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("attribute_exists(tile_id) AND #st <> :success AND #st <> :failed"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if IsConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("complete tile %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// IncrementRetry bumps the retry counter for a tile.
func (s *TileRequestStore) IncrementRetry(ctx context.Context, regionID, tileID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              tileKey(regionID, tileID),
		UpdateExpression: aws.String("ADD retry_count :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("increment retry %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// GetTileRequest reads one tile row; ErrNotFound when absent.
func (s *TileRequestStore) GetTileRequest(ctx context.Context, regionID, tileID string) (*TileRequestItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            tileKey(regionID, tileID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get tile request %s/%s: %w", regionID, tileID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var item TileRequestItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal tile request: %w", err)
	}
	return &item, nil
}

// GetByInferenceID resolves a tile row through the inference-id index.
// Exactly one match is required; more than one indicates corrupted
// correlation state and is surfaced as an error.
func (s *TileRequestStore) GetByInferenceID(ctx context.Context, inferenceID string) (*TileRequestItem, error) {
	return s.queryIndexUnique(ctx, InferenceIDIndex, "inference_id", inferenceID)
}

// GetByOutputLocation resolves a tile row through the output-location index.
func (s *TileRequestStore) GetByOutputLocation(ctx context.Context, outputLocation string) (*TileRequestItem, error) {
	return s.queryIndexUnique(ctx, OutputLocationIndex, "output_location", outputLocation)
}

func (s *TileRequestStore) queryIndexUnique(ctx context.Context, index, attr, value string) (*TileRequestItem, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :v", attr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", index, value, err)
	}

	switch len(out.Items) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, fmt.Errorf("%s resolves %d tile requests for %q, want 1", index, len(out.Items), value)
	}

	var item TileRequestItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("unmarshal tile request: %w", err)
	}
	return &item, nil
}

func tileKey(regionID, tileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"region_id": &types.AttributeValueMemberS{Value: regionID},
		"tile_id":   &types.AttributeValueMemberS{Value: tileID},
	}
}
