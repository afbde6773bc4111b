package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client the sink needs.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchConfig configures the CloudWatch sink.
type CloudWatchConfig struct {
	Namespace string
	// FlushInterval bounds how long a datum sits in the buffer (default 10s).
	FlushInterval time.Duration
	// MaxBuffered caps the in-memory buffer; excess data is dropped with a
	// log line rather than blocking the caller (default 1000).
	MaxBuffered int
	Logger      *slog.Logger
}

// CloudWatch batches metric data and puts it to CloudWatch in the background.
// All API failures are logged and swallowed.
type CloudWatch struct {
	client CloudWatchAPI
	cfg    CloudWatchConfig
	log    *slog.Logger

	mu     sync.Mutex
	buf    []types.MetricDatum
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCloudWatch starts the background flusher.
func NewCloudWatch(client CloudWatchAPI, cfg CloudWatchConfig) *CloudWatch {
	if cfg.Namespace == "" {
		cfg.Namespace = "TileRunner"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cw := &CloudWatch{
		client: client,
		cfg:    cfg,
		log:    cfg.Logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go cw.flushLoop(ctx)
	return cw
}

// Count records a count datum.
func (cw *CloudWatch) Count(name string, value float64, dims Dimensions) {
	cw.add(name, value, types.StandardUnitCount, dims)
}

// Duration records a millisecond datum.
func (cw *CloudWatch) Duration(name string, d time.Duration, dims Dimensions) {
	cw.add(name, float64(d.Milliseconds()), types.StandardUnitMilliseconds, dims)
}

// Gauge records a percent datum.
func (cw *CloudWatch) Gauge(name string, value float64, dims Dimensions) {
	cw.add(name, value, types.StandardUnitPercent, dims)
}

// Close flushes remaining data and stops the background loop.
func (cw *CloudWatch) Close() {
	cw.cancel()
	<-cw.done
	cw.flush(context.Background())
}

func (cw *CloudWatch) add(name string, value float64, unit types.StandardUnit, dims Dimensions) {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now().UTC()),
		Dimensions: cwDimensions(dims),
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if len(cw.buf) >= cw.cfg.MaxBuffered {
		cw.log.Warn("metric buffer full, dropping datum", "metric", name)
		return
	}
	cw.buf = append(cw.buf, datum)
}

func (cw *CloudWatch) flushLoop(ctx context.Context) {
	defer close(cw.done)
	ticker := time.NewTicker(cw.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cw.flush(ctx)
		}
	}
}

// flush drains the buffer in PutMetricData-sized chunks.
func (cw *CloudWatch) flush(ctx context.Context) {
	cw.mu.Lock()
	data := cw.buf
	cw.buf = nil
	cw.mu.Unlock()

	const maxPerPut = 20
	for len(data) > 0 {
		n := min(len(data), maxPerPut)
		chunk := data[:n]
		data = data[n:]

		_, err := cw.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(cw.cfg.Namespace),
			MetricData: chunk,
		})
		if err != nil {
			cw.log.Warn("put metric data failed", "error", err, "datums", len(chunk))
		}
	}
}

func cwDimensions(dims Dimensions) []types.Dimension {
	var out []types.Dimension
	if dims.Operation != "" {
		out = append(out, types.Dimension{Name: aws.String("Operation"), Value: aws.String(dims.Operation)})
	}
	if dims.ModelName != "" {
		out = append(out, types.Dimension{Name: aws.String("ModelName"), Value: aws.String(dims.ModelName)})
	}
	return out
}
