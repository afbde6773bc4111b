package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/paulmach/orb/geojson"
)

// FeatureStore holds per-tile feature collections keyed by image
// (hash: image_id, range: tile_key). The range key is derived from
// (region_id, tile_bounds), so a retried tile overwrites its own row instead
// of duplicating detections.
type FeatureStore struct {
	client DynamoDBAPI
	table  string
}

// NewFeatureStore binds the store to its table.
func NewFeatureStore(client DynamoDBAPI, table string) *FeatureStore {
	return &FeatureStore{client: client, table: table}
}

// TileKey builds the content-addressed range key for a tile's features.
func TileKey(regionID, tileBounds string) string {
	return regionID + "/" + tileBounds
}

// PutFeatures stores the features detected in one tile. Re-running the same
// tile replaces the row, so each tile contributes to the image's output at
// most once regardless of retries.
func (s *FeatureStore) PutFeatures(ctx context.Context, imageID, regionID, tileBounds string, features []*geojson.Feature) error {
	encoded := make([]string, 0, len(features))
	for _, f := range features {
		b, err := f.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal feature: %w", err)
		}
		encoded = append(encoded, string(b))
	}

	fl := make([]types.AttributeValue, len(encoded))
	for i, e := range encoded {
		fl[i] = &types.AttributeValueMemberS{Value: e}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"image_id": &types.AttributeValueMemberS{Value: imageID},
			"tile_key": &types.AttributeValueMemberS{Value: TileKey(regionID, tileBounds)},
			"features": &types.AttributeValueMemberL{Value: fl},
		},
	})
	if err != nil {
		return fmt.Errorf("put features for %s: %w", imageID, err)
	}
	return nil
}

// GetAllFeatures reads every feature stored for an image, across all tiles,
// following pagination.
func (s *FeatureStore) GetAllFeatures(ctx context.Context, imageID string) ([]*geojson.Feature, error) {
	var features []*geojson.Feature
	var startKey map[string]types.AttributeValue

	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("image_id = :img"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":img": &types.AttributeValueMemberS{Value: imageID},
			},
			ExclusiveStartKey: startKey,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query features for %s: %w", imageID, err)
		}

		for _, item := range out.Items {
			list, ok := item["features"].(*types.AttributeValueMemberL)
			if !ok {
				continue
			}
			for _, av := range list.Value {
				str, ok := av.(*types.AttributeValueMemberS)
				if !ok {
					continue
				}
				var f geojson.Feature
				if err := json.Unmarshal([]byte(str.Value), &f); err != nil {
					return nil, fmt.Errorf("unmarshal stored feature: %w", err)
				}
				features = append(features, &f)
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return features, nil
}

// DeleteFeatures removes a tile's feature row, used by cleanup when a tile is
// rolled back to FAILED after its features were written.
func (s *FeatureStore) DeleteFeatures(ctx context.Context, imageID, regionID, tileBounds string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"image_id": &types.AttributeValueMemberS{Value: imageID},
			"tile_key": &types.AttributeValueMemberS{Value: TileKey(regionID, tileBounds)},
		},
	})
	if err != nil {
		return fmt.Errorf("delete features for %s: %w", imageID, err)
	}
	return nil
}
