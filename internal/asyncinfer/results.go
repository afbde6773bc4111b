package asyncinfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"

	"github.com/MeKo-Tech/tilerunner/internal/detector"
	"github.com/MeKo-Tech/tilerunner/internal/features"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// Lookup of a tile row can race the MarkInProgress write that indexes it:
// the endpoint may emit its result object before the submitter's update
// lands. The lookup retries briefly before deferring to the poller.
const (
	lookupRetries = 4
	lookupBackoff = 200 * time.Millisecond
)

const (
	imageCacheSize = 64
	imageCacheTTL  = 5 * time.Minute
)

// failureExcerptLimit bounds how much of a failure payload ends up in the
// tile row.
const failureExcerptLimit = 512

// ResultsConfig wires the results worker.
type ResultsConfig struct {
	Queue      *queue.Queue
	Tiles      *store.TileRequestStore
	Images     *store.ImageRequestStore
	Features   *store.FeatureStore
	Objects    *ObjectStore
	Accountant *Accountant
	Resources  *ResourceManager
	Poller     *Poller

	// MaxPolls bounds poll attempts per tile before it is declared timed
	// out. Zero means DefaultMaxPolls.
	MaxPolls int

	Metrics metrics.Sink
	Logger  *slog.Logger
}

// ResultsWorker consumes the result queue and resolves submitted tiles. It
// understands three message shapes: object-created events on the output
// prefix, endpoint invocation notifications, and its own poll ticks.
type ResultsWorker struct {
	cfg    ResultsConfig
	log    *slog.Logger
	images *expirable.LRU[string, *imageContext]

	lookupBackoff time.Duration
}

// imageContext is the per-image augmentation state, cached because every
// tile of an image needs the same row.
type imageContext struct {
	item       *store.ImageRequestItem
	source     raster.Metadata
	properties map[string]any
}

// NewResultsWorker builds the worker.
func NewResultsWorker(cfg ResultsConfig) *ResultsWorker {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ResultsWorker{
		cfg:           cfg,
		log:           log,
		images:        expirable.NewLRU[string, *imageContext](imageCacheSize, nil, imageCacheTTL),
		lookupBackoff: lookupBackoff,
	}
}

// Run consumes the result queue until ctx is cancelled. Messages that fail
// to process stay invisible and redeliver; handled ones are acknowledged
// whether or not they changed anything, since terminal tiles make
// redeliveries no-ops.
func (w *ResultsWorker) Run(ctx context.Context) error {
	for {
		msgs, err := w.cfg.Queue.Receive(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("receive results", "error", err)
			continue
		}
		for _, msg := range msgs {
			if err := w.HandleMessage(ctx, []byte(msg.Body)); err != nil {
				w.log.Error("handle result message", "error", err)
				continue
			}
			if err := w.cfg.Queue.Finish(ctx, msg); err != nil {
				w.log.Warn("ack result message", "error", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// resultEvent is the union of the three message shapes on the result queue.
type resultEvent struct {
	// SNS envelope.
	Type    string `json:"Type"`
	Message string `json:"Message"`

	// S3 object-created notification.
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`

	// Endpoint invocation notification.
	InferenceID        string `json:"inferenceId"`
	InvocationStatus   string `json:"invocationStatus"`
	FailureLocation    string `json:"failureLocation"`
	ResponseParameters struct {
		OutputLocation string `json:"outputLocation"`
	} `json:"responseParameters"`

	// Poll tick.
	RegionID string `json:"region_id"`
	TileID   string `json:"tile_id"`
}

// HandleMessage dispatches one raw queue body.
func (w *ResultsWorker) HandleMessage(ctx context.Context, body []byte) error {
	var ev resultEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("parse result message: %w", err)
	}

	// Notifications delivered through a topic arrive wrapped.
	if ev.Type == "Notification" && ev.Message != "" {
		return w.HandleMessage(ctx, []byte(ev.Message))
	}

	switch {
	case len(ev.Records) > 0:
		for _, rec := range ev.Records {
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			if err := w.handleOutputObject(ctx, URI(rec.S3.Bucket.Name, key)); err != nil {
				return err
			}
		}
		return nil
	case ev.InferenceID != "":
		return w.handleNotification(ctx, ev)
	case ev.TileID != "":
		return w.handlePoll(ctx, pollTick{RegionID: ev.RegionID, TileID: ev.TileID})
	default:
		w.log.Warn("unrecognized result message", "body", truncate(string(body), failureExcerptLimit))
		return nil
	}
}

func (w *ResultsWorker) handleOutputObject(ctx context.Context, outputURI string) error {
	item, err := w.lookup(ctx, func() (*store.TileRequestItem, error) {
		return w.cfg.Tiles.GetByOutputLocation(ctx, outputURI)
	})
	if err != nil {
		return err
	}
	if item == nil {
		// Either an unrelated object on the prefix or a row whose
		// correlation handles have not landed yet; the poller covers the
		// latter.
		w.log.Debug("no tile request for output object", "uri", outputURI)
		return nil
	}
	return w.resolveSuccess(ctx, item)
}

func (w *ResultsWorker) handleNotification(ctx context.Context, ev resultEvent) error {
	item, err := w.lookup(ctx, func() (*store.TileRequestItem, error) {
		return w.cfg.Tiles.GetByInferenceID(ctx, ev.InferenceID)
	})
	if err != nil {
		return err
	}
	if item == nil {
		w.log.Debug("no tile request for notification", "inference_id", ev.InferenceID)
		return nil
	}

	if ev.InvocationStatus == "Completed" {
		if ev.ResponseParameters.OutputLocation != "" {
			item.OutputLocation = ev.ResponseParameters.OutputLocation
		}
		return w.resolveSuccess(ctx, item)
	}
	return w.resolveFailure(ctx, item, ev.FailureLocation)
}

func (w *ResultsWorker) handlePoll(ctx context.Context, tick pollTick) error {
	item, err := w.cfg.Tiles.GetTileRequest(ctx, tick.RegionID, tick.TileID)
	if err != nil {
		if err == store.ErrNotFound {
			w.log.Warn("poll for unknown tile", "region_id", tick.RegionID, "tile_id", tick.TileID)
			return nil
		}
		return err
	}
	if item.Status.Terminal() {
		return nil
	}

	if item.OutputLocation != "" {
		if ok, err := w.cfg.Objects.Exists(ctx, item.OutputLocation); err != nil {
			return err
		} else if ok {
			w.log.Info("poll found result object", "tile_id", item.TileID)
			return w.resolveSuccess(ctx, item)
		}
	}
	if item.FailureLocation != "" {
		if ok, err := w.cfg.Objects.Exists(ctx, item.FailureLocation); err != nil {
			return err
		} else if ok {
			return w.resolveFailure(ctx, item, item.FailureLocation)
		}
	}

	if item.RetryCount+1 >= w.cfg.MaxPolls {
		return w.resolveTimeout(ctx, item)
	}
	if err := w.cfg.Tiles.IncrementRetry(ctx, tick.RegionID, tick.TileID); err != nil {
		return err
	}
	return w.cfg.Poller.Schedule(ctx, tick.RegionID, tick.TileID)
}

// resolveSuccess ingests the result object and closes the tile out.
func (w *ResultsWorker) resolveSuccess(ctx context.Context, item *store.TileRequestItem) error {
	if item.Status.Terminal() {
		return nil
	}

	payload, err := w.cfg.Objects.Download(ctx, item.OutputLocation)
	if err != nil {
		return err
	}
	fc, err := detector.ParseFeatureCollection(payload)
	if err != nil {
		return w.resolveFailureReason(ctx, item,
			fmt.Sprintf("unparseable inference result: %v", err))
	}

	bounds, err := tiling.ParseBounds(item.TileBounds)
	if err != nil {
		return fmt.Errorf("tile %s: %w", item.TileID, err)
	}
	imgCtx, err := w.imageContext(ctx, item.ImageID)
	if err != nil {
		return err
	}

	aug := features.NewAugmenter(item.ImageID, imgCtx.item.ImageURL, imgCtx.source,
		imgCtx.item.ModelName, imgCtx.item.ModelVariant, imgCtx.properties)
	feats := aug.AugmentTile(fc.Features, bounds)

	if err := w.cfg.Features.PutFeatures(ctx, item.ImageID, item.RegionID, item.TileBounds, feats); err != nil {
		return err
	}

	recorded, err := w.cfg.Accountant.TileSucceeded(ctx, item)
	if err != nil {
		return err
	}
	if recorded {
		w.cfg.Metrics.Count(metrics.MetricFeatures, float64(len(feats)), metrics.Dimensions{
			Operation: metrics.OpAsyncInference,
			ModelName: imgCtx.item.ModelName,
		})
		w.log.Info("async tile resolved",
			"image_id", item.ImageID,
			"tile_id", item.TileID,
			"features", len(feats))
	} else if err := w.rollbackLostFeatures(ctx, item); err != nil {
		return err
	}
	w.release(ctx, item, item.OutputLocation)
	return nil
}

// rollbackLostFeatures covers the race where a competing observer closed the
// tile between PutFeatures and TileSucceeded. If that close was a failure,
// the features written above must not outlive it.
func (w *ResultsWorker) rollbackLostFeatures(ctx context.Context, item *store.TileRequestItem) error {
	current, err := w.cfg.Tiles.GetTileRequest(ctx, item.RegionID, item.TileID)
	if err != nil {
		return err
	}
	if current.Status != store.StatusFailed {
		return nil
	}
	w.log.Warn("discarding features for failed tile",
		"image_id", item.ImageID,
		"tile_id", item.TileID)
	return w.cfg.Features.DeleteFeatures(ctx, item.ImageID, item.RegionID, item.TileBounds)
}

// resolveFailure reads the failure payload for a reason and closes the tile
// out as failed.
func (w *ResultsWorker) resolveFailure(ctx context.Context, item *store.TileRequestItem, failureURI string) error {
	reason := "endpoint reported failure"
	if failureURI != "" {
		if payload, err := w.cfg.Objects.Download(ctx, failureURI); err == nil {
			reason = truncate(string(payload), failureExcerptLimit)
		}
	}
	if err := w.resolveFailureReason(ctx, item, reason); err != nil {
		return err
	}
	w.release(ctx, item, failureURI)
	return nil
}

func (w *ResultsWorker) resolveTimeout(ctx context.Context, item *store.TileRequestItem) error {
	w.cfg.Metrics.Count(metrics.MetricErrors, 1, metrics.Dimensions{
		Operation: metrics.OpAsyncInference,
	})
	if err := w.resolveFailureReason(ctx, item, "inference result did not arrive in time"); err != nil {
		return err
	}
	w.release(ctx, item, "")
	return nil
}

func (w *ResultsWorker) resolveFailureReason(ctx context.Context, item *store.TileRequestItem, reason string) error {
	return w.cfg.Accountant.TileFailed(ctx, item, reason)
}

// release hands the tile's intermediate objects to the resource manager.
func (w *ResultsWorker) release(ctx context.Context, item *store.TileRequestItem, extra string) {
	uris := make([]string, 0, 2)
	if item.InputLocation != "" {
		uris = append(uris, item.InputLocation)
	}
	if extra != "" {
		uris = append(uris, extra)
	}
	if len(uris) > 0 {
		w.cfg.Resources.Release(ctx, uris...)
	}
}

// lookup retries an index read briefly, absorbing the window between the
// endpoint's first write and the submitter's correlation update. A miss
// after the retries returns (nil, nil); the poller is the backstop.
func (w *ResultsWorker) lookup(ctx context.Context, fn func() (*store.TileRequestItem, error)) (*store.TileRequestItem, error) {
	var item *store.TileRequestItem
	backoff := retry.WithMaxRetries(lookupRetries, retry.NewExponential(w.lookupBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		item, err = fn()
		if err == store.ErrNotFound {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// imageContext loads (and caches) the per-image augmentation state.
func (w *ResultsWorker) imageContext(ctx context.Context, imageID string) (*imageContext, error) {
	if cached, ok := w.images.Get(imageID); ok {
		return cached, nil
	}

	item, err := w.cfg.Images.GetImageRequest(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", imageID, err)
	}

	imgCtx := &imageContext{
		item: item,
		source: raster.Metadata{
			SourceID: item.SourceID,
			Format:   item.SourceFormat,
		},
	}
	if item.AcquisitionTime != 0 {
		imgCtx.source.AcquisitionTime = time.Unix(item.AcquisitionTime, 0).UTC()
	}
	if item.FeatureProperties != "" {
		if err := json.Unmarshal([]byte(item.FeatureProperties), &imgCtx.properties); err != nil {
			w.log.Warn("unparseable feature properties", "image_id", imageID, "error", err)
		}
	}

	w.images.Add(imageID, imgCtx)
	return imgCtx, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
