package endpoints

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// StatisticsAPI is the slice of the DynamoDB client the statistics table
// needs.
type StatisticsAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Statistics tracks how many regions are currently being processed against
// each endpoint, across all workers in the cluster. The counter row is the
// serialization point for region-level self-throttling.
type Statistics struct {
	client StatisticsAPI
	table  string
}

// NewStatistics binds the counters to their table.
func NewStatistics(client StatisticsAPI, table string) *Statistics {
	return &Statistics{client: client, table: table}
}

// InProgress returns the current running-region count for the endpoint.
// A missing row counts as zero.
func (s *Statistics) InProgress(ctx context.Context, endpointName string) (int, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            statsKey(endpointName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("get endpoint statistics %s: %w", endpointName, err)
	}
	n, ok := out.Item["in_progress"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}

	count, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse in_progress for %s: %w", endpointName, err)
	}
	return count, nil
}

// IncrementInProgress counts one more running region against the endpoint.
func (s *Statistics) IncrementInProgress(ctx context.Context, endpointName string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              statsKey(endpointName),
		UpdateExpression: aws.String("ADD in_progress :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("increment in_progress %s: %w", endpointName, err)
	}
	return nil
}

// DecrementInProgress releases one running region. The write is conditioned
// on the counter staying non-negative: an extra decrement (a worker that
// crashed between increment and start, then released twice) is a no-op
// rather than driving the counter below zero.
func (s *Statistics) DecrementInProgress(ctx context.Context, endpointName string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 statsKey(endpointName),
		UpdateExpression:    aws.String("ADD in_progress :negone"),
		ConditionExpression: aws.String("in_progress >= :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":negone": &types.AttributeValueMemberN{Value: "-1"},
			":one":    &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if store.IsConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("decrement in_progress %s: %w", endpointName, err)
	}
	return nil
}

func statsKey(endpointName string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"endpoint_id": &types.AttributeValueMemberS{Value: endpointName},
	}
}
