// Package endpoints answers capacity and variant questions about remote model
// endpoints. Metadata lookups are cached with a TTL so the scheduler can poll
// every tick without hammering the control plane.
package endpoints

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/MeKo-Tech/tilerunner/internal/metrics"
)

// ConcurrencyTag names the endpoint tag holding the per-instance tile
// concurrency.
const ConcurrencyTag = "osml:instance-concurrency"

// Cache defaults.
const (
	DefaultCacheTTL  = 300 * time.Second
	DefaultCacheSize = 100
)

// SageMakerAPI is the subset of the SageMaker control-plane client the
// estimator needs.
type SageMakerAPI interface {
	DescribeEndpoint(ctx context.Context, in *sagemaker.DescribeEndpointInput, opts ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	ListTags(ctx context.Context, in *sagemaker.ListTagsInput, opts ...func(*sagemaker.Options)) (*sagemaker.ListTagsOutput, error)
}

// Variant is one production variant of a multi-variant endpoint.
type Variant struct {
	Name          string
	Weight        float64
	InstanceCount int
	// MaxConcurrency is set for serverless variants, 0 otherwise.
	MaxConcurrency int
}

type endpointInfo struct {
	arn      string
	variants []Variant
}

// EstimatorConfig tunes the capacity estimator.
type EstimatorConfig struct {
	// DefaultHTTPConcurrency is the assumed capacity of plain HTTP
	// endpoints, which expose no metadata.
	DefaultHTTPConcurrency int
	// DefaultInstanceConcurrency is used when the concurrency tag is
	// absent or unparsable, and as the last-resort capacity when the
	// control plane is unreachable with no cached value.
	DefaultInstanceConcurrency int
	CacheTTL                   time.Duration
	CacheSize                  int
	Metrics                    metrics.Sink
	Logger                     *slog.Logger
}

// Estimator computes a best-effort concurrent-tile capacity per endpoint.
type Estimator struct {
	client SageMakerAPI
	cfg    EstimatorConfig

	cache *expirable.LRU[string, *endpointInfo]
	tags  *expirable.LRU[string, int]
	// stale keeps the last good metadata past its TTL so a control-plane
	// outage degrades to slightly old numbers instead of defaults.
	stale *expirable.LRU[string, *endpointInfo]
	group singleflight.Group
}

// NewEstimator builds an estimator around the given control-plane client.
func NewEstimator(client SageMakerAPI, cfg EstimatorConfig) *Estimator {
	if cfg.DefaultHTTPConcurrency <= 0 {
		cfg.DefaultHTTPConcurrency = 1
	}
	if cfg.DefaultInstanceConcurrency <= 0 {
		cfg.DefaultInstanceConcurrency = 1
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Estimator{
		client: client,
		cfg:    cfg,
		cache:  expirable.NewLRU[string, *endpointInfo](cfg.CacheSize, nil, cfg.CacheTTL),
		tags:   expirable.NewLRU[string, int](cfg.CacheSize, nil, cfg.CacheTTL),
		stale:  expirable.NewLRU[string, *endpointInfo](cfg.CacheSize, nil, 0),
	}
}

// IsHTTPEndpoint reports whether the endpoint name is a plain URL rather than
// a SageMaker endpoint name.
func IsHTTPEndpoint(name string) bool {
	return strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://")
}

// MaxCapacity returns how many concurrent tiles the endpoint (optionally a
// single variant of it) can absorb. It never fails: on lookup errors it falls
// back to stale metadata, then to the configured default.
func (e *Estimator) MaxCapacity(ctx context.Context, endpointName, variantName string) int {
	if IsHTTPEndpoint(endpointName) {
		return e.cfg.DefaultHTTPConcurrency
	}

	info, err := e.describe(ctx, endpointName)
	if err != nil {
		e.lookupFailed(endpointName, err)
		return e.cfg.DefaultInstanceConcurrency
	}

	capacity := 0
	found := variantName == ""
	for _, v := range info.variants {
		if variantName != "" && v.Name != variantName {
			continue
		}
		found = true
		if v.MaxConcurrency > 0 {
			capacity += v.MaxConcurrency
			continue
		}
		capacity += v.InstanceCount * e.instanceConcurrency(ctx, endpointName, info.arn)
	}
	if !found {
		e.cfg.Logger.Warn("variant not found on endpoint",
			"endpoint", endpointName, "variant", variantName)
		return 0
	}
	return capacity
}

// Variants returns the endpoint's production variants, or nil when the
// endpoint cannot be described.
func (e *Estimator) Variants(ctx context.Context, endpointName string) []Variant {
	if IsHTTPEndpoint(endpointName) {
		return nil
	}
	info, err := e.describe(ctx, endpointName)
	if err != nil {
		e.lookupFailed(endpointName, err)
		return nil
	}
	return info.variants
}

func (e *Estimator) describe(ctx context.Context, endpointName string) (*endpointInfo, error) {
	if info, ok := e.cache.Get(endpointName); ok {
		return info, nil
	}

	// Collapse concurrent misses for the same endpoint into one call.
	v, err, _ := e.group.Do(endpointName, func() (any, error) {
		if info, ok := e.cache.Get(endpointName); ok {
			return info, nil
		}
		out, err := e.client.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
			EndpointName: aws.String(endpointName),
		})
		if err != nil {
			if info, ok := e.stale.Get(endpointName); ok {
				e.cfg.Logger.Warn("describe endpoint failed, using stale metadata",
					"endpoint", endpointName, "error", err)
				return info, nil
			}
			return nil, err
		}

		info := &endpointInfo{arn: aws.ToString(out.EndpointArn)}
		for _, pv := range out.ProductionVariants {
			variant := Variant{
				Name:          aws.ToString(pv.VariantName),
				Weight:        float64(aws.ToFloat32(pv.CurrentWeight)),
				InstanceCount: int(aws.ToInt32(pv.CurrentInstanceCount)),
			}
			if pv.CurrentServerlessConfig != nil {
				variant.MaxConcurrency = int(aws.ToInt32(pv.CurrentServerlessConfig.MaxConcurrency))
			}
			info.variants = append(info.variants, variant)
		}
		e.cache.Add(endpointName, info)
		e.stale.Add(endpointName, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*endpointInfo), nil
}

func (e *Estimator) instanceConcurrency(ctx context.Context, endpointName, arn string) int {
	if c, ok := e.tags.Get(arn); ok {
		return c
	}

	out, err := e.client.ListTags(ctx, &sagemaker.ListTagsInput{ResourceArn: aws.String(arn)})
	if err != nil {
		e.lookupFailed(endpointName, err)
		return e.cfg.DefaultInstanceConcurrency
	}

	concurrency := e.cfg.DefaultInstanceConcurrency
	for _, tag := range out.Tags {
		if aws.ToString(tag.Key) != ConcurrencyTag {
			continue
		}
		if n, err := strconv.Atoi(aws.ToString(tag.Value)); err == nil && n > 0 {
			concurrency = n
		} else {
			e.cfg.Logger.Warn("unparsable concurrency tag",
				"endpoint", endpointName, "value", aws.ToString(tag.Value))
		}
	}
	e.tags.Add(arn, concurrency)
	return concurrency
}

func (e *Estimator) lookupFailed(endpointName string, err error) {
	e.cfg.Logger.Warn("endpoint metadata lookup failed", "endpoint", endpointName, "error", err)
	e.cfg.Metrics.Count(metrics.MetricErrors, 1, metrics.Dimensions{
		Operation: metrics.OpScheduling,
		ModelName: endpointName,
	})
}
