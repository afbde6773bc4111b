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

// RegionRequestItem is one row of the region-request table
// (hash: image_id, range: region_id).
type RegionRequestItem struct {
	ImageID  string `dynamodbav:"image_id"`
	RegionID string `dynamodbav:"region_id"`
	Status   Status `dynamodbav:"status"`

	RegionBounds string `dynamodbav:"region_bounds"`

	TotalTileCount     int `dynamodbav:"total_tile_count"`
	SucceededTileCount int `dynamodbav:"succeeded_tile_count"`
	FailedTileCount    int `dynamodbav:"failed_tile_count"`

	// SucceededTiles lets a resumed region skip tiles that already made it
	// into the feature store.
	SucceededTiles []string `dynamodbav:"succeeded_tiles,stringset,omitempty"`
	FailedTiles    []string `dynamodbav:"failed_tiles,stringset,omitempty"`

	StartTime int64 `dynamodbav:"start_time"`
	EndTime   int64 `dynamodbav:"end_time,omitempty"`
}

// Terminal reports whether every tile of the region is accounted for.
func (r *RegionRequestItem) Terminal() bool {
	return r.TotalTileCount > 0 &&
		r.SucceededTileCount+r.FailedTileCount >= r.TotalTileCount
}

// RegionRequestStore tracks per-region progress.
type RegionRequestStore struct {
	client DynamoDBAPI
	table  string
}

// NewRegionRequestStore binds the store to its table.
func NewRegionRequestStore(client DynamoDBAPI, table string) *RegionRequestStore {
	return &RegionRequestStore{client: client, table: table}
}

// StartRegionRequest writes (or rewrites, on retry) the region row.
func (s *RegionRequestStore) StartRegionRequest(ctx context.Context, item *RegionRequestItem) error {
	if item.StartTime == 0 {
		item.StartTime = time.Now().Unix()
	}
	if item.Status == "" {
		item.Status = StatusInProgress
	}

	// A retried region must not clobber the success set written by the
	// previous attempt: merge it into the fresh row first.
	if prev, err := s.GetRegionRequest(ctx, item.ImageID, item.RegionID); err == nil {
		item.SucceededTiles = prev.SucceededTiles
		item.SucceededTileCount = prev.SucceededTileCount
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal region request: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put region request %s: %w", item.RegionID, err)
	}
	return nil
}

// GetRegionRequest reads one region row; ErrNotFound when absent.
func (s *RegionRequestStore) GetRegionRequest(ctx context.Context, imageID, regionID string) (*RegionRequestItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            regionKey(imageID, regionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get region request %s: %w", regionID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item RegionRequestItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal region request %s: %w", regionID, err)
	}
	return &item, nil
}

// AddTileResult records one terminal tile. The tile id set makes the update
// idempotent across redeliveries: re-adding a member does not change counts
// because the expression is conditioned on the id being absent.
func (s *RegionRequestStore) AddTileResult(ctx context.Context, imageID, regionID, tileID string, succeeded bool) error {
	counter := "succeeded_tile_count"
	set := "succeeded_tiles"
	if !succeeded {
		counter = "failed_tile_count"
		set = "failed_tiles"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       regionKey(imageID, regionID),
		UpdateExpression: aws.String(
			fmt.Sprintf("ADD %s :one, %s :tile", counter, set)),
		ConditionExpression: aws.String(
			fmt.Sprintf("attribute_not_exists(%s) OR NOT contains(%s, :tid)", set, set)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":tile": &types.AttributeValueMemberSS{Value: []string{tileID}},
			":tid":  &types.AttributeValueMemberS{Value: tileID},
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			// Already recorded; a redelivered result is a no-op.
			return nil
		}
		return fmt.Errorf("add tile result %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// CompleteRegionRequest stamps the terminal accounting on the region row.
func (s *RegionRequestStore) CompleteRegionRequest(ctx context.Context, imageID, regionID string,
	total, succeeded, failed int, status Status) error {

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       regionKey(imageID, regionID),
		UpdateExpression: aws.String(
			"SET total_tile_count = :t, succeeded_tile_count = :s, failed_tile_count = :f, #st = :status, end_time = :end"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":      &types.AttributeValueMemberN{Value: fmt.Sprint(total)},
			":s":      &types.AttributeValueMemberN{Value: fmt.Sprint(succeeded)},
			":f":      &types.AttributeValueMemberN{Value: fmt.Sprint(failed)},
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":end":    &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("complete region request %s: %w", regionID, err)
	}
	return nil
}

// GetRegionRequests returns all region rows of an image.
func (s *RegionRequestStore) GetRegionRequests(ctx context.Context, imageID string) ([]RegionRequestItem, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("image_id = :img"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":img": &types.AttributeValueMemberS{Value: imageID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query regions for %s: %w", imageID, err)
	}

	items := make([]RegionRequestItem, 0, len(out.Items))
	for _, raw := range out.Items {
		var item RegionRequestItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshal region row: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// GetCompleteCounts returns (failed, completed) region counts for an image.
// Errors propagate; there is deliberately no defaulted fallback.
func (s *RegionRequestStore) GetCompleteCounts(ctx context.Context, imageID string) (failed, completed int, err error) {
	items, err := s.GetRegionRequests(ctx, imageID)
	if err != nil {
		return 0, 0, err
	}
	for _, item := range items {
		if !item.Status.Terminal() {
			continue
		}
		completed++
		if item.Status == StatusFailed {
			failed++
		}
	}
	return failed, completed, nil
}

func regionKey(imageID, regionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"image_id":  &types.AttributeValueMemberS{Value: imageID},
		"region_id": &types.AttributeValueMemberS{Value: regionID},
	}
}
