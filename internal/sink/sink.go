// Package sink delivers aggregated feature collections to the destinations
// named in the image request: object-store prefixes and streaming sinks.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/paulmach/orb/geojson"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/request"
)

// DefaultBatchSize bounds how many features go into one stream record when
// the request does not say.
const DefaultBatchSize = 500

// kinesisMaxRecordsPerCall is the PutRecords API limit.
const kinesisMaxRecordsPerCall = 500

// S3API is the subset of the S3 client the object sink needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// KinesisAPI is the subset of the Kinesis client the stream sink needs.
type KinesisAPI interface {
	PutRecords(ctx context.Context, in *kinesis.PutRecordsInput, opts ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// Sink receives the final feature collection for one image.
type Sink interface {
	// Write delivers the collection. jobID scopes the destination key or
	// partition.
	Write(ctx context.Context, jobID string, fc *geojson.FeatureCollection) error
	Name() string
}

// ForOutputs builds the sinks declared in the request outputs.
func ForOutputs(outputs []request.Output, s3Client S3API, kinClient KinesisAPI) ([]Sink, error) {
	sinks := make([]Sink, 0, len(outputs))
	for _, o := range outputs {
		switch o.Type {
		case request.SinkS3:
			sinks = append(sinks, &S3Sink{client: s3Client, bucket: o.Bucket, prefix: o.Prefix})
		case request.SinkKinesis:
			sinks = append(sinks, &KinesisSink{client: kinClient, stream: o.Stream, batchSize: o.BatchSize})
		default:
			return nil, apperr.Newf(apperr.KindInvalidRequest, "unknown output type %q", o.Type)
		}
	}
	return sinks, nil
}

// WriteAll delivers the collection to every sink. All sinks are attempted;
// the first error is returned after the loop so one bad destination does not
// silently skip the rest.
func WriteAll(ctx context.Context, sinks []Sink, jobID string, fc *geojson.FeatureCollection, log *slog.Logger) error {
	var firstErr error
	for _, s := range sinks {
		if err := s.Write(ctx, jobID, fc); err != nil {
			log.Error("feature sink write failed", "sink", s.Name(), "job_id", jobID, "error", err)
			if firstErr == nil {
				firstErr = apperr.Wrap(apperr.KindAggregateFeatures, err)
			}
		}
	}
	return firstErr
}

// S3Sink writes the whole collection as one GeoJSON object.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

func (s *S3Sink) Name() string { return "s3://" + s.bucket + "/" + s.prefix }

func (s *S3Sink) Write(ctx context.Context, jobID string, fc *geojson.FeatureCollection) error {
	body, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal feature collection: %w", err)
	}

	key := path.Join(s.prefix, jobID+".geojson")
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/geo+json"),
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// KinesisSink streams the collection as records of at most batchSize
// features each.
type KinesisSink struct {
	client    KinesisAPI
	stream    string
	batchSize int
}

func (k *KinesisSink) Name() string { return "kinesis://" + k.stream }

func (k *KinesisSink) Write(ctx context.Context, jobID string, fc *geojson.FeatureCollection) error {
	batchSize := k.batchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var entries []kintypes.PutRecordsRequestEntry
	for start := 0; start < len(fc.Features); start += batchSize {
		end := min(start+batchSize, len(fc.Features))

		batch := geojson.NewFeatureCollection()
		batch.Features = fc.Features[start:end]
		data, err := batch.MarshalJSON()
		if err != nil {
			return fmt.Errorf("marshal feature batch: %w", err)
		}
		entries = append(entries, kintypes.PutRecordsRequestEntry{
			Data:         data,
			PartitionKey: aws.String(jobID),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	for start := 0; start < len(entries); start += kinesisMaxRecordsPerCall {
		end := min(start+kinesisMaxRecordsPerCall, len(entries))
		out, err := k.client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(k.stream),
			Records:    entries[start:end],
		})
		if err != nil {
			return fmt.Errorf("put records to %s: %w", k.stream, err)
		}
		if failed := aws.ToInt32(out.FailedRecordCount); failed > 0 {
			return fmt.Errorf("put records to %s: %d of %d records failed", k.stream, failed, end-start)
		}
	}
	return nil
}
