// Package runner is the process main loop. It drives the two work sources in
// a fixed precedence: drain the region queue first, then ask the scheduler
// for the next admissible image. Handler errors carry a kind that decides the
// message disposition.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// DefaultIdleSleep is how long the loop sleeps when neither queue produced
// work.
const DefaultIdleSleep = 5 * time.Second

// DefaultRegionBatch is how many region messages one iteration pulls.
const DefaultRegionBatch = 1

// ImageSource admits the next image request, or nil when none is runnable.
type ImageSource interface {
	NextImage(ctx context.Context) (*request.ImageRequest, *store.RequestedJobItem, error)
}

// ImageProcessor runs one image end to end.
type ImageProcessor interface {
	HandleImage(ctx context.Context, req *request.ImageRequest) error
}

// RegionProcessor runs one region to a terminal state.
type RegionProcessor interface {
	HandleRegion(ctx context.Context, req *request.RegionRequest) error
}

// Config wires the runner.
type Config struct {
	RegionQueue *queue.Queue
	Scheduler   ImageSource

	Images  ImageProcessor
	Regions RegionProcessor

	// RegionBatch bounds how many region messages are pulled per iteration;
	// IdleSleep is the backoff when an iteration found no work.
	RegionBatch int
	IdleSleep   time.Duration

	Metrics metrics.Sink
	Logger  *slog.Logger
}

// Runner is the cooperative polling loop. It is single-threaded; parallelism
// lives inside the handlers.
type Runner struct {
	cfg Config
	log *slog.Logger
}

// New builds the runner.
func New(cfg Config) *Runner {
	if cfg.RegionBatch <= 0 {
		cfg.RegionBatch = DefaultRegionBatch
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, log: log}
}

// Run loops until the context is cancelled. Termination signals cancel the
// context at the wiring layer; an in-flight handler finishes its unit before
// the loop observes the cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started")
	for {
		if err := ctx.Err(); err != nil {
			r.log.Info("runner stopping")
			return nil
		}

		worked, err := r.pollRegions(ctx)
		if err != nil {
			r.log.Error("poll region queue", "error", err)
		}
		if worked {
			continue
		}

		worked, err = r.pollImages(ctx)
		if err != nil {
			r.log.Error("poll image scheduler", "error", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.IdleSleep):
		}
	}
}

// pollRegions pulls a batch of region messages and runs them. It reports
// whether any message was received so the caller keeps region precedence.
func (r *Runner) pollRegions(ctx context.Context) (bool, error) {
	msgs, err := r.cfg.RegionQueue.Receive(ctx, r.cfg.RegionBatch)
	if err != nil {
		return false, err
	}
	for _, msg := range msgs {
		r.handleRegionMessage(ctx, msg)
	}
	return len(msgs) > 0, nil
}

func (r *Runner) handleRegionMessage(ctx context.Context, msg queue.Message) {
	req, err := request.ParseRegion([]byte(msg.Body))
	if err != nil {
		r.log.Error("malformed region message", "message_id", msg.ID, "error", err)
		if err := r.cfg.RegionQueue.DeadLetter(ctx, msg, err.Error()); err != nil {
			r.log.Error("dead-letter region message", "message_id", msg.ID, "error", err)
		}
		return
	}

	err = r.cfg.Regions.HandleRegion(ctx, req)
	switch kind := apperr.KindOf(err); {
	case err == nil:
		if err := r.cfg.RegionQueue.Finish(ctx, msg); err != nil {
			r.log.Error("finish region message", "region_id", req.RegionID, "error", err)
		}

	case kind == apperr.KindSelfThrottledRegion:
		// Not a failure: the endpoint is at capacity. Put the message
		// straight back so another worker, or a later iteration, picks it up.
		r.log.Info("region self-throttled", "region_id", req.RegionID, "endpoint", req.Endpoint.Name)
		if err := r.cfg.RegionQueue.Release(ctx, msg); err != nil {
			r.log.Error("release region message", "region_id", req.RegionID, "error", err)
		}

	case kind == apperr.KindRetryableJob:
		r.log.Warn("region deferred", "region_id", req.RegionID, "error", err)
		if err := r.cfg.RegionQueue.Release(ctx, msg); err != nil {
			r.log.Error("release region message", "region_id", req.RegionID, "error", err)
		}

	default:
		// Leave the message to its visibility timeout: transient faults get a
		// delayed retry without a tight redelivery loop.
		r.log.Error("region failed", "region_id", req.RegionID, "error", err)
	}
}

// pollImages asks the scheduler for one admissible image and runs it. The
// outstanding-jobs record is the retry unit: a failed image keeps its record
// and is re-admitted by a later scheduling pass.
func (r *Runner) pollImages(ctx context.Context) (bool, error) {
	req, job, err := r.cfg.Scheduler.NextImage(ctx)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	log := r.log.With("image_id", req.ImageID, "job_id", req.JobID)
	if err := r.cfg.Images.HandleImage(ctx, req); err != nil {
		if apperr.KindOf(err) == apperr.KindRetryableJob {
			log.Warn("image deferred", "attempt", job.NumAttempts, "error", err)
		} else {
			log.Error("image failed", "attempt", job.NumAttempts, "error", err)
		}
		return true, nil
	}
	log.Info("image processed", "attempt", job.NumAttempts)
	return true, nil
}
