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

// RequestedJobItem is one row of the requested-jobs table
// (hash: endpoint_id, range: job_id). It is the scheduler's working set.
type RequestedJobItem struct {
	EndpointID string `dynamodbav:"endpoint_id"`
	JobID      string `dynamodbav:"job_id"`

	RequestTime int64 `dynamodbav:"request_time"`
	// LastAttempt is epoch seconds of the latest admission; 0 means never
	// attempted.
	LastAttempt int64 `dynamodbav:"last_attempt"`
	NumAttempts int   `dynamodbav:"num_attempts"`

	RegionCount     int      `dynamodbav:"region_count"`
	RegionsComplete []string `dynamodbav:"regions_complete,stringset,omitempty"`

	// Payload is the serialized original request, replayed on admission.
	Payload string `dynamodbav:"payload"`
}

// Running reports whether the job counts as in flight: attempted recently
// enough that its previous attempt may still be executing.
func (j *RequestedJobItem) Running(now time.Time, retryTime time.Duration) bool {
	if j.LastAttempt <= 0 {
		return false
	}
	return now.Sub(time.Unix(j.LastAttempt, 0)) < retryTime
}

// Stale reports whether the job is eligible for rescheduling.
func (j *RequestedJobItem) Stale(now time.Time, retryTime time.Duration, maxAttempts int) bool {
	if j.NumAttempts >= maxAttempts {
		return false
	}
	return time.Unix(j.LastAttempt, 0).Add(retryTime).Unix() <= now.Unix()
}

// Exhausted reports whether the job has used all attempts.
func (j *RequestedJobItem) Exhausted(maxAttempts int) bool {
	return j.NumAttempts >= maxAttempts
}

// Finished reports whether every known region completed.
func (j *RequestedJobItem) Finished() bool {
	return j.RegionCount > 0 && len(j.RegionsComplete) >= j.RegionCount
}

// RequestedJobsStore is the outstanding-jobs index.
type RequestedJobsStore struct {
	client DynamoDBAPI
	table  string
}

// NewRequestedJobsStore binds the store to its table.
func NewRequestedJobsStore(client DynamoDBAPI, table string) *RequestedJobsStore {
	return &RequestedJobsStore{client: client, table: table}
}

// AddNewRequest records a newly received job. A second add for the same
// (endpoint, job) fails with ErrConditionFailed, which intake treats as a
// duplicate delivery.
func (s *RequestedJobsStore) AddNewRequest(ctx context.Context, item *RequestedJobItem) error {
	if item.RequestTime == 0 {
		item.RequestTime = time.Now().Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal requested job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if IsConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("add requested job %s: %w", item.JobID, err)
	}
	return nil
}

// GetOutstandingRequests returns up to limit outstanding job records across
// all endpoints.
func (s *RequestedJobsStore) GetOutstandingRequests(ctx context.Context, limit int) ([]RequestedJobItem, error) {
	in := &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := s.client.Scan(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("scan requested jobs: %w", err)
	}

	items := make([]RequestedJobItem, 0, len(out.Items))
	for _, raw := range out.Items {
		var item RequestedJobItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshal requested job: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// StartNextAttempt claims the job for this scheduler. The update is
// conditioned on the attempt fields the caller observed, so of several
// schedulers racing on the same record at most one succeeds; losers get
// ErrConditionFailed and move on.
func (s *RequestedJobsStore) StartNextAttempt(ctx context.Context, item *RequestedJobItem) error {
	now := time.Now().Unix()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 jobKey(item.EndpointID, item.JobID),
		UpdateExpression:    aws.String("SET last_attempt = :now, num_attempts = num_attempts + :one"),
		ConditionExpression: aws.String("num_attempts = :attempts AND last_attempt = :last"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":      &types.AttributeValueMemberN{Value: fmt.Sprint(now)},
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":attempts": &types.AttributeValueMemberN{Value: fmt.Sprint(item.NumAttempts)},
			":last":     &types.AttributeValueMemberN{Value: fmt.Sprint(item.LastAttempt)},
		},
	})
	if err != nil {
		if IsConditionFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("start next attempt %s: %w", item.JobID, err)
	}

	item.LastAttempt = now
	item.NumAttempts++
	return nil
}

// SetRegionCount records the region decomposition once known.
func (s *RequestedJobsStore) SetRegionCount(ctx context.Context, endpointID, jobID string, count int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              jobKey(endpointID, jobID),
		UpdateExpression: aws.String("SET region_count = :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: fmt.Sprint(count)},
		},
	})
	if err != nil {
		return fmt.Errorf("set region count %s: %w", jobID, err)
	}
	return nil
}

// CompleteRegion marks one region finished for the job. Adding an existing
// member is a no-op, which makes the call idempotent.
func (s *RequestedJobsStore) CompleteRegion(ctx context.Context, endpointID, jobID, regionID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              jobKey(endpointID, jobID),
		UpdateExpression: aws.String("ADD regions_complete :r"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberSS{Value: []string{regionID}},
		},
	})
	if err != nil {
		return fmt.Errorf("complete region %s for %s: %w", regionID, jobID, err)
	}
	return nil
}

// DeleteRequest removes a finished or abandoned job from the working set.
func (s *RequestedJobsStore) DeleteRequest(ctx context.Context, endpointID, jobID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       jobKey(endpointID, jobID),
	})
	if err != nil {
		return fmt.Errorf("delete requested job %s: %w", jobID, err)
	}
	return nil
}

func jobKey(endpointID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"endpoint_id": &types.AttributeValueMemberS{Value: endpointID},
		"job_id":      &types.AttributeValueMemberS{Value: jobID},
	}
}
