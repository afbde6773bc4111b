// Package scheduler decides which image to start next. It is split in two:
// a buffered intake that turns upstream queue messages into durable
// outstanding-job records, and an endpoint-load scheduler that admits at most
// one image per tick based on live endpoint capacity.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// Intake defaults.
const (
	DefaultMaxJobsLookahead = 50
	DefaultReceiveBatch     = 10
	DefaultRetryTime        = 10 * time.Minute
	DefaultMaxRetryAttempts = 3
)

// RegionCounter computes how many regions an image decomposes into. It needs
// to open the image header, so intake treats it as optional and expensive.
type RegionCounter interface {
	RegionCount(ctx context.Context, req *request.ImageRequest) (int, error)
}

// VariantPreselector fills in a target variant before the job is recorded,
// so admission control can group by the variant that will actually serve it.
type VariantPreselector interface {
	SelectVariant(ctx context.Context, req *request.ImageRequest) string
}

// BufferConfig tunes the buffered intake.
type BufferConfig struct {
	MaxJobsLookahead int
	ReceiveBatch     int
	RetryTime        time.Duration
	MaxRetryAttempts int
	Metrics          metrics.Sink
	Logger           *slog.Logger
}

// Buffer maintains a bounded lookahead window of candidate images. It pulls
// from the upstream queue only when the outstanding set has room, and it is
// the sole writer of new outstanding-job records.
type Buffer struct {
	queue    *queue.Queue
	jobs     *store.RequestedJobsStore
	regions  RegionCounter      // optional
	variants VariantPreselector // optional
	cfg      BufferConfig
	log      *slog.Logger
	now      func() time.Time
}

// NewBuffer wires the intake to its queue and store. regions and variants
// may be nil.
func NewBuffer(q *queue.Queue, jobs *store.RequestedJobsStore, regions RegionCounter, variants VariantPreselector, cfg BufferConfig) *Buffer {
	if cfg.MaxJobsLookahead <= 0 {
		cfg.MaxJobsLookahead = DefaultMaxJobsLookahead
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = DefaultReceiveBatch
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
	return &Buffer{
		queue:    q,
		jobs:     jobs,
		regions:  regions,
		variants: variants,
		cfg:      cfg,
		log:      cfg.Logger,
		now:      time.Now,
	}
}

// GetOutstandingRequests returns the current candidate set, purging finished
// and exhausted records and topping the window up from the upstream queue.
func (b *Buffer) GetOutstandingRequests(ctx context.Context) ([]store.RequestedJobItem, error) {
	outstanding, err := b.jobs.GetOutstandingRequests(ctx, b.cfg.MaxJobsLookahead)
	if err != nil {
		return nil, err
	}
	outstanding = b.purge(ctx, outstanding)

	if len(outstanding) < b.cfg.MaxJobsLookahead {
		b.intake(ctx, b.cfg.MaxJobsLookahead-len(outstanding))
		if outstanding, err = b.jobs.GetOutstandingRequests(ctx, b.cfg.MaxJobsLookahead); err != nil {
			return nil, err
		}
		outstanding = b.purge(ctx, outstanding)
	}

	b.emitDepth(ctx)
	return outstanding, nil
}

// purge drops finished and exhausted records from the store and returns the
// survivors. Exhausted jobs that never completed a region are forwarded to
// the dead-letter queue with their original payload.
func (b *Buffer) purge(ctx context.Context, jobs []store.RequestedJobItem) []store.RequestedJobItem {
	kept := jobs[:0]
	for _, job := range jobs {
		switch {
		case job.Finished():
			b.log.Info("outstanding job finished, removing", "job_id", job.JobID)
		case job.Exhausted(b.cfg.MaxRetryAttempts):
			if len(job.RegionsComplete) == 0 {
				b.log.Warn("job exhausted retries with no progress, dead-lettering",
					"job_id", job.JobID, "attempts", job.NumAttempts)
				if err := b.queue.DeadLetterBody(ctx, job.Payload, "RetriesExhausted"); err != nil {
					b.log.Error("dead-letter exhausted job", "job_id", job.JobID, "error", err)
					kept = append(kept, job)
					continue
				}
			} else {
				b.log.Warn("job exhausted retries with partial progress, removing",
					"job_id", job.JobID,
					"regions_complete", len(job.RegionsComplete),
					"region_count", job.RegionCount)
			}
		default:
			kept = append(kept, job)
			continue
		}
		if err := b.jobs.DeleteRequest(ctx, job.EndpointID, job.JobID); err != nil {
			b.log.Error("delete outstanding job", "job_id", job.JobID, "error", err)
		}
	}
	return kept
}

// intake pulls up to want new messages from the upstream queue and records
// them as outstanding jobs. The SQS message is acknowledged once the record
// exists; from then on the store is the durable copy.
func (b *Buffer) intake(ctx context.Context, want int) {
	for want > 0 {
		batch := min(want, b.cfg.ReceiveBatch)
		msgs, err := b.queue.Receive(ctx, batch)
		if err != nil {
			b.log.Error("receive image requests", "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, msg := range msgs {
			if !b.admitMessage(ctx, msg) {
				return
			}
		}
		want -= len(msgs)
	}
}

// admitMessage runs the per-message intake pipeline. It returns false only
// when the store is unavailable and the whole intake tick should stop.
func (b *Buffer) admitMessage(ctx context.Context, msg queue.Message) bool {
	req, err := request.Parse([]byte(msg.Body))
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		b.log.Warn("rejecting invalid image request", "message_id", msg.ID, "error", err)
		if dlErr := b.queue.DeadLetter(ctx, msg, apperr.KindOf(err).String()); dlErr != nil {
			b.log.Error("dead-letter invalid request", "message_id", msg.ID, "error", dlErr)
		}
		return true
	}

	regionCount := 0
	if b.regions != nil {
		regionCount, err = b.regions.RegionCount(ctx, req)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindLoadImage {
				b.cfg.Metrics.Count(metrics.MetricImageAccessError, 1, metrics.Dimensions{
					Operation: metrics.OpScheduling,
					ModelName: req.Endpoint.Name,
				})
				b.log.Warn("image unreadable, dead-lettering", "job_id", req.JobID, "error", err)
				if dlErr := b.queue.DeadLetter(ctx, msg, apperr.KindLoadImage.String()); dlErr != nil {
					b.log.Error("dead-letter unreadable image", "job_id", req.JobID, "error", dlErr)
				}
				return true
			}
			// Transient: leave the message invisible, it will come back.
			b.log.Warn("region count failed, skipping message for now",
				"job_id", req.JobID, "error", err)
			return true
		}
	}

	if b.variants != nil {
		b.variants.SelectVariant(ctx, req)
	}

	payload, err := request.Marshal(req)
	if err != nil {
		b.log.Error("re-marshal image request", "job_id", req.JobID, "error", err)
		return true
	}

	err = b.jobs.AddNewRequest(ctx, &store.RequestedJobItem{
		EndpointID:  req.Endpoint.Name,
		JobID:       req.JobID,
		RegionCount: regionCount,
		Payload:     string(payload),
	})
	switch {
	case errors.Is(err, store.ErrConditionFailed):
		b.log.Info("duplicate job delivery, ignoring", "job_id", req.JobID)
	case err != nil:
		b.log.Error("record outstanding job, stopping intake", "job_id", req.JobID, "error", err)
		return false
	}

	if err := b.queue.Finish(ctx, msg); err != nil {
		b.log.Error("acknowledge image request", "message_id", msg.ID, "error", err)
	}
	return true
}

func (b *Buffer) emitDepth(ctx context.Context) {
	depth, err := b.queue.Depth(ctx)
	if err != nil {
		b.log.Warn("queue depth unavailable", "error", err)
		return
	}
	b.cfg.Metrics.Gauge(metrics.MetricQueueDepth, float64(depth), metrics.Dimensions{
		Operation: metrics.OpScheduling,
	})
}
