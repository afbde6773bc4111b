// Package worker provides the parallel tile processing pool a region handler
// runs. Each worker owns its own detector client; workers share nothing and
// communicate only through the task and result channels.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// DefaultWorkersPerCPU scales the pool to the host.
const DefaultWorkersPerCPU = 1

// Processor handles a single tile end to end: invoke the model, augment the
// detections, persist them.
type Processor interface {
	ProcessTile(ctx context.Context, task Task) (featureCount int, err error)
}

// Task describes one tile to process.
type Task struct {
	ImageID  string
	RegionID string
	// TilePath is the encoded tile on local disk.
	TilePath string
	Bounds   tiling.Bounds
}

// TileID is the stable identifier used in region bookkeeping.
func (t Task) TileID() string { return t.Bounds.String() }

// Result is the outcome of one tile.
type Result struct {
	Task         Task
	FeatureCount int
	Err          error
	Elapsed      time.Duration
}

// ProgressFunc is called after each task completes.
type ProgressFunc func(completed, total, failed int)

// Config configures the worker pool.
type Config struct {
	// Workers is the pool size; 0 means NumCPU x DefaultWorkersPerCPU.
	Workers    int
	Processor  Processor
	OnProgress ProgressFunc
	Metrics    metrics.Sink
	// ModelName tags the tile metrics.
	ModelName string
}

// Pool manages parallel tile processing for one region.
type Pool struct {
	workers    int
	processor  Processor
	onProgress ProgressFunc
	metrics    metrics.Sink
	modelName  string
}

// New creates a worker pool.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU() * DefaultWorkersPerCPU
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}

	return &Pool{
		workers:    workers,
		processor:  cfg.Processor,
		onProgress: cfg.OnProgress,
		metrics:    sink,
		modelName:  cfg.ModelName,
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Run processes all tasks and returns their results. It blocks until every
// tile is terminal or the context is cancelled; cancelled tasks come back
// with the context error so the region accounting still covers them.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	resultCh := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, taskCh, resultCh)
		}()
	}

	go func() {
		defer close(taskCh)
		for i, task := range tasks {
			select {
			case taskCh <- task:
			case <-ctx.Done():
				// Tasks that never reach a worker still owe a result.
				for _, unfed := range tasks[i:] {
					resultCh <- Result{Task: unfed, Err: ctx.Err()}
				}
				return
			}
		}
	}()

	var (
		completed int
		failed    int
	)
	results := make([]Result, 0, len(tasks))
	done := make(chan struct{})

	go func() {
		for result := range resultCh {
			results = append(results, result)

			completed++
			if result.Err != nil {
				failed++
				p.metrics.Count(metrics.MetricTilesFailed, 1, p.dims())
			} else {
				p.metrics.Count(metrics.MetricTilesProcessed, 1, p.dims())
			}
			p.metrics.Duration(metrics.MetricDuration, result.Elapsed, p.dims())

			if p.onProgress != nil {
				p.onProgress(completed, len(tasks), failed)
			}
		}
		close(done)
	}()

	wg.Wait()
	close(resultCh)
	<-done

	return results
}

func (p *Pool) worker(ctx context.Context, tasks <-chan Task, results chan<- Result) {
	for task := range tasks {
		select {
		case <-ctx.Done():
			results <- Result{Task: task, Err: ctx.Err()}
			continue
		default:
		}

		start := time.Now()
		count, err := p.processor.ProcessTile(ctx, task)
		results <- Result{
			Task:         task,
			FeatureCount: count,
			Err:          err,
			Elapsed:      time.Since(start),
		}
	}
}

func (p *Pool) dims() metrics.Dimensions {
	return metrics.Dimensions{Operation: metrics.OpTileProcessing, ModelName: p.modelName}
}
