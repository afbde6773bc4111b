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

// ImageRequestItem is one row of the image-request table (hash: image_id).
type ImageRequestItem struct {
	ImageID  string `dynamodbav:"image_id"`
	JobID    string `dynamodbav:"job_id"`
	ImageURL string `dynamodbav:"image_url"`
	Status   Status `dynamodbav:"status"`

	RegionCount     int `dynamodbav:"region_count"`
	RegionsComplete int `dynamodbav:"regions_complete"`
	RegionsFailed   int `dynamodbav:"regions_failed"`

	// CompletedRegions guards the counters above: a region id already in the
	// set does not count again on redelivery.
	CompletedRegions []string `dynamodbav:"completed_regions,stringset,omitempty"`

	StartTime int64 `dynamodbav:"start_time"`
	EndTime   int64 `dynamodbav:"end_time,omitempty"`

	ModelName    string `dynamodbav:"model_name"`
	ModelVariant string `dynamodbav:"model_variant,omitempty"`

	// Source provenance extracted when the image was opened. Async result
	// handling reads it from here instead of re-opening the dataset.
	SourceID        string `dynamodbav:"source_id,omitempty"`
	SourceFormat    string `dynamodbav:"source_format,omitempty"`
	AcquisitionTime int64  `dynamodbav:"acquisition_time,omitempty"`

	// FeatureProperties is the serialized user property overlay applied to
	// every emitted feature.
	FeatureProperties string `dynamodbav:"feature_properties,omitempty"`
}

// ProcessingDuration returns the wall time between start and end, zero while
// the image is still running.
func (i *ImageRequestItem) ProcessingDuration() time.Duration {
	if i.EndTime == 0 {
		return 0
	}
	return time.Duration(i.EndTime-i.StartTime) * time.Second
}

// ImageRequestStore is the durable per-image lifecycle record.
type ImageRequestStore struct {
	client DynamoDBAPI
	table  string
}

// NewImageRequestStore binds the store to its table.
func NewImageRequestStore(client DynamoDBAPI, table string) *ImageRequestStore {
	return &ImageRequestStore{client: client, table: table}
}

// StartImageRequest writes the initial row for an admitted image.
func (s *ImageRequestStore) StartImageRequest(ctx context.Context, item *ImageRequestItem) error {
	if item.StartTime == 0 {
		item.StartTime = time.Now().Unix()
	}
	if item.Status == "" {
		item.Status = StatusStarted
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal image request: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("put image request %s: %w", item.ImageID, err)
	}
	return nil
}

// GetImageRequest reads one row; ErrNotFound when absent.
func (s *ImageRequestStore) GetImageRequest(ctx context.Context, imageID string) (*ImageRequestItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            imageKey(imageID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get image request %s: %w", imageID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item ImageRequestItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal image request %s: %w", imageID, err)
	}
	return &item, nil
}

// SetRegionCount records the region decomposition once the image is opened.
func (s *ImageRequestStore) SetRegionCount(ctx context.Context, imageID string, count int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String("SET region_count = :n, #st = :s"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: fmt.Sprint(count)},
			":s": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
		},
	})
	if err != nil {
		return fmt.Errorf("set region count for %s: %w", imageID, err)
	}
	return nil
}

// SetSourceMetadata stamps provenance extracted from the opened dataset.
func (s *ImageRequestStore) SetSourceMetadata(ctx context.Context, imageID, sourceID, format string, acquired int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String("SET source_id = :sid, source_format = :fmt, acquisition_time = :acq"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sourceID},
			":fmt": &types.AttributeValueMemberS{Value: format},
			":acq": &types.AttributeValueMemberN{Value: fmt.Sprint(acquired)},
		},
	})
	if err != nil {
		return fmt.Errorf("set source metadata %s: %w", imageID, err)
	}
	return nil
}

// CompleteRegion counts a terminal region against the image, tracking
// failures separately so the final status can distinguish PARTIAL. The region
// id set conditions the update, so a redelivered region never moves the
// counters twice.
func (s *ImageRequestStore) CompleteRegion(ctx context.Context, imageID, regionID string, failed bool) error {
	expr := "ADD regions_complete :one, completed_regions :r"
	if failed {
		expr = "ADD regions_complete :one, regions_failed :one, completed_regions :r"
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String(expr),
		ConditionExpression: aws.String(
			"attribute_not_exists(completed_regions) OR NOT contains(completed_regions, :rid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":r":   &types.AttributeValueMemberSS{Value: []string{regionID}},
			":rid": &types.AttributeValueMemberS{Value: regionID},
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			// Already counted; a redelivered completion is a no-op.
			return nil
		}
		return fmt.Errorf("complete region %s for %s: %w", regionID, imageID, err)
	}
	return nil
}

// EndImageRequest records the terminal status and end time.
func (s *ImageRequestStore) EndImageRequest(ctx context.Context, imageID string, status Status) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String("SET #st = :s, end_time = :t"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(status)},
			":t": &types.AttributeValueMemberN{Value: fmt.Sprint(time.Now().Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("end image request %s: %w", imageID, err)
	}
	return nil
}

func imageKey(imageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"image_id": &types.AttributeValueMemberS{Value: imageID},
	}
}
