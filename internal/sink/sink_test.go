package sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/request"
)

type fakeS3 struct {
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

type fakeKinesis struct {
	calls   []*kinesis.PutRecordsInput
	failed  int32
	err     error
}

func (f *fakeKinesis) PutRecords(_ context.Context, in *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, in)
	return &kinesis.PutRecordsOutput{FailedRecordCount: aws.Int32(f.failed)}, nil
}

func collection(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{float64(i), float64(i)})
		f.Properties = geojson.Properties{"index": i}
		fc.Append(f)
	}
	return fc
}

func TestS3SinkWrite(t *testing.T) {
	s3Client := &fakeS3{}
	s := &S3Sink{client: s3Client, bucket: "results", prefix: "detections/run-1"}

	require.NoError(t, s.Write(context.Background(), "job-1", collection(3)))

	body, ok := s3Client.objects["results/detections/run-1/job-1.geojson"]
	require.True(t, ok, "expected object at prefixed key, have %v", s3Client.objects)

	fc, err := geojson.UnmarshalFeatureCollection(body)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 3)
}

func TestKinesisSinkBatches(t *testing.T) {
	kin := &fakeKinesis{}
	k := &KinesisSink{client: kin, stream: "features", batchSize: 10}

	require.NoError(t, k.Write(context.Background(), "job-1", collection(25)))

	require.Len(t, kin.calls, 1)
	records := kin.calls[0].Records
	require.Len(t, records, 3, "25 features at batch size 10")

	sizes := make([]int, len(records))
	for i, r := range records {
		fc, err := geojson.UnmarshalFeatureCollection(r.Data)
		require.NoError(t, err)
		sizes[i] = len(fc.Features)
		assert.Equal(t, "job-1", aws.ToString(r.PartitionKey))
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
}

func TestKinesisSinkEmptyCollection(t *testing.T) {
	kin := &fakeKinesis{}
	k := &KinesisSink{client: kin, stream: "features"}
	require.NoError(t, k.Write(context.Background(), "job-1", collection(0)))
	assert.Empty(t, kin.calls)
}

func TestKinesisSinkPartialFailure(t *testing.T) {
	kin := &fakeKinesis{failed: 2}
	k := &KinesisSink{client: kin, stream: "features", batchSize: 1}
	err := k.Write(context.Background(), "job-1", collection(5))
	assert.ErrorContains(t, err, "2 of 5 records failed")
}

func TestForOutputs(t *testing.T) {
	sinks, err := ForOutputs([]request.Output{
		{Type: request.SinkS3, Bucket: "results", Prefix: "p/"},
		{Type: request.SinkKinesis, Stream: "features", BatchSize: 100},
	}, &fakeS3{}, &fakeKinesis{})
	require.NoError(t, err)
	require.Len(t, sinks, 2)
	assert.Contains(t, sinks[0].Name(), "s3://results")
	assert.Contains(t, sinks[1].Name(), "kinesis://features")
}

func TestWriteAllContinuesPastFailures(t *testing.T) {
	s3Client := &fakeS3{}
	sinks := []Sink{
		&S3Sink{client: &fakeS3{err: errors.New("access denied")}, bucket: "broken", prefix: "p"},
		&S3Sink{client: s3Client, bucket: "results", prefix: "p"},
	}

	err := WriteAll(context.Background(), sinks, "job-1", collection(1), slog.Default())
	assert.Equal(t, apperr.KindAggregateFeatures, apperr.KindOf(err))
	assert.Len(t, s3Client.objects, 1, "healthy sink still written")
}
