package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// TileWorkersPerInstance scales an image's region count into an estimated
// concurrent-tile load.
const TileWorkersPerInstance = 4

// DefaultRegionCount stands in for images whose decomposition is not yet
// known; deliberately conservative.
const DefaultRegionCount = 20

// CapacityEstimator answers the scheduler's single capacity question.
type CapacityEstimator interface {
	MaxCapacity(ctx context.Context, endpointName, variantName string) int
}

// SchedulerConfig tunes admission control.
type SchedulerConfig struct {
	// ThrottlingEnabled gates the capacity check; with it off every
	// candidate is admitted in load-factor order.
	ThrottlingEnabled bool
	// CapacityTargetPercentage scales the capacity ceiling; >1 overbooks,
	// <1 reserves headroom.
	CapacityTargetPercentage float64
	RetryTime                time.Duration
	MaxRetryAttempts         int
	Metrics                  metrics.Sink
	Logger                   *slog.Logger
}

// Scheduler picks the next image to admit from the buffered outstanding set.
type Scheduler struct {
	buffer    *Buffer
	estimator CapacityEstimator // optional
	cfg       SchedulerConfig
	log       *slog.Logger
	now       func() time.Time
}

// NewScheduler wires the scheduler to its buffer. estimator may be nil, which
// disables capacity-based throttling.
func NewScheduler(buffer *Buffer, estimator CapacityEstimator, cfg SchedulerConfig) *Scheduler {
	if cfg.CapacityTargetPercentage <= 0 {
		cfg.CapacityTargetPercentage = 1.0
	}
	if cfg.RetryTime <= 0 {
		cfg.RetryTime = DefaultRetryTime
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		buffer:    buffer,
		estimator: estimator,
		cfg:       cfg,
		log:       cfg.Logger,
		now:       time.Now,
	}
}

// candidate pairs an outstanding record with its parsed request.
type candidate struct {
	job  store.RequestedJobItem
	req  *request.ImageRequest
	load int
}

// group is the admission unit: all jobs sharing (endpoint, variant).
type group struct {
	endpoint   string
	variant    string
	candidates []candidate
	// currentLoad sums the estimated load of running jobs in the group,
	// including ones that are not candidates this tick.
	currentLoad int
	maxCapacity int
	loadFactor  float64
}

// NextImage returns the next admitted image request, or nil when the
// outstanding set is empty or fully throttled. Admission is recorded in the
// outstanding-jobs store before the request is returned.
func (s *Scheduler) NextImage(ctx context.Context) (*request.ImageRequest, *store.RequestedJobItem, error) {
	started := s.now()
	defer func() {
		s.cfg.Metrics.Count(metrics.MetricInvocations, 1, metrics.Dimensions{Operation: metrics.OpScheduling})
		s.cfg.Metrics.Duration(metrics.MetricDuration, s.now().Sub(started), metrics.Dimensions{Operation: metrics.OpScheduling})
	}()

	outstanding, err := s.buffer.GetOutstandingRequests(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(outstanding) == 0 {
		return nil, nil, nil
	}

	groups := s.groupByEndpoint(ctx, outstanding)

	// Least-loaded groups first; FIFO inside a group.
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].loadFactor < groups[j].loadFactor })
	for _, g := range groups {
		sort.SliceStable(g.candidates, func(i, j int) bool {
			return g.candidates[i].job.RequestTime < g.candidates[j].job.RequestTime
		})
	}

	for _, g := range groups {
		s.emitUtilization(g)
		for _, c := range g.candidates {
			if !s.admissible(g, c) {
				s.cfg.Metrics.Count(metrics.MetricThrottles, 1, metrics.Dimensions{
					Operation: metrics.OpScheduling,
					ModelName: g.endpoint,
				})
				continue
			}

			job := c.job
			if err := s.buffer.jobs.StartNextAttempt(ctx, &job); err != nil {
				if errors.Is(err, store.ErrConditionFailed) {
					// Another scheduler claimed it between read and
					// write; keep walking.
					continue
				}
				return nil, nil, err
			}
			s.log.Info("admitted image request",
				"job_id", job.JobID,
				"endpoint", g.endpoint,
				"variant", g.variant,
				"attempt", job.NumAttempts,
				"load", c.load,
				"group_load", g.currentLoad,
				"group_capacity", g.maxCapacity)
			return c.req, &job, nil
		}
	}
	return nil, nil, nil
}

func (s *Scheduler) groupByEndpoint(ctx context.Context, outstanding []store.RequestedJobItem) []*group {
	now := s.now()
	byKey := map[string]*group{}
	var ordered []*group

	for _, job := range outstanding {
		req, err := request.Parse([]byte(job.Payload))
		if err != nil {
			// Should have been rejected at intake; skip rather than wedge
			// the whole tick.
			s.log.Error("unparsable outstanding payload", "job_id", job.JobID, "error", err)
			continue
		}

		key := job.EndpointID + "\x00" + req.Endpoint.TargetVariant
		g, ok := byKey[key]
		if !ok {
			g = &group{endpoint: job.EndpointID, variant: req.Endpoint.TargetVariant}
			byKey[key] = g
			ordered = append(ordered, g)
		}

		load := estimatedLoad(job.RegionCount)
		if job.Running(now, s.cfg.RetryTime) {
			g.currentLoad += load
			continue
		}
		if !job.Stale(now, s.cfg.RetryTime, s.cfg.MaxRetryAttempts) {
			continue
		}
		g.candidates = append(g.candidates, candidate{job: job, req: req, load: load})
	}

	for _, g := range ordered {
		if s.estimator != nil {
			g.maxCapacity = s.estimator.MaxCapacity(ctx, g.endpoint, g.variant)
		}
		if g.maxCapacity > 0 {
			g.loadFactor = float64(g.currentLoad) / float64(g.maxCapacity)
		} else {
			g.loadFactor = float64(g.currentLoad)
		}
	}
	return ordered
}

// admissible evaluates capacity-based admission for one candidate.
func (s *Scheduler) admissible(g *group, c candidate) bool {
	if !s.cfg.ThrottlingEnabled || s.estimator == nil {
		return true
	}

	target := int(float64(g.maxCapacity) * s.cfg.CapacityTargetPercentage)
	available := max(0, target-g.currentLoad)
	if c.load <= available {
		return true
	}

	// A single image bigger than the whole endpoint would never be
	// admitted; let it through alone.
	if c.load > target && g.currentLoad == 0 {
		s.log.Warn("image exceeds endpoint capacity, admitting alone",
			"job_id", c.job.JobID, "load", c.load, "capacity", target)
		return true
	}
	return false
}

func (s *Scheduler) emitUtilization(g *group) {
	if g.maxCapacity <= 0 {
		return
	}
	pct := float64(g.currentLoad) / float64(g.maxCapacity) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.cfg.Metrics.Gauge(metrics.MetricUtilization, pct, metrics.Dimensions{
		Operation: metrics.OpScheduling,
		ModelName: g.endpoint,
	})
}

func estimatedLoad(regionCount int) int {
	if regionCount <= 0 {
		regionCount = DefaultRegionCount
	}
	return regionCount * TileWorkersPerInstance
}
