// Package handler drives admitted work units to completion: the image
// handler fans an image out into regions and aggregates the result, the
// region handler turns one region into tiles and runs them through the
// detector.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/asyncinfer"
	"github.com/MeKo-Tech/tilerunner/internal/detector"
	"github.com/MeKo-Tech/tilerunner/internal/endpoints"
	"github.com/MeKo-Tech/tilerunner/internal/features"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/monitor"
	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
	"github.com/MeKo-Tech/tilerunner/internal/worker"
)

// SubmitterFactory builds the asynchronous submission processor for one
// region. The wiring layer binds it to the async pipeline; tests stub it.
type SubmitterFactory interface {
	NewSubmitter(req *request.RegionRequest) (worker.Processor, error)
}

// RegionConfig wires the region handler.
type RegionConfig struct {
	Opener   raster.Opener
	Factory  raster.TileFactory
	Strategy tiling.Strategy

	Regions  *store.RegionRequestStore
	Images   *store.ImageRequestStore
	Jobs     *store.RequestedJobsStore
	Features *store.FeatureStore

	// HTTP and Runtime are the synchronous detector transports.
	HTTP    *detector.HTTPClient
	Runtime detector.SageMakerRuntimeAPI

	// Submitters serves SM_ENDPOINT_ASYNC requests; Accountant closes
	// regions whose tiles never reached submission. Both may be nil when no
	// async endpoints are configured.
	Submitters SubmitterFactory
	Accountant *asyncinfer.Accountant

	// Stats enables self-throttling when set, bounding concurrent regions
	// per endpoint at MaxRegionsPerEndpoint.
	Stats                 *endpoints.Statistics
	MaxRegionsPerEndpoint int

	WorkersPerCPU    int
	ProgressInterval time.Duration

	Monitor *monitor.Monitor
	Metrics metrics.Sink
	Logger  *slog.Logger
}

// RegionHandler executes one region: tile it, dispatch the tiles to a worker
// pool, and record the terminal accounting.
type RegionHandler struct {
	cfg RegionConfig
	log *slog.Logger
}

// NewRegionHandler builds the handler.
func NewRegionHandler(cfg RegionConfig) *RegionHandler {
	if cfg.WorkersPerCPU <= 0 {
		cfg.WorkersPerCPU = worker.DefaultWorkersPerCPU
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &RegionHandler{cfg: cfg, log: log}
}

// HandleRegion runs one region to a terminal state. A SelfThrottledRegion
// kind tells the caller to requeue the message immediately; other errors are
// infrastructure failures the caller retries through queue redelivery.
func (h *RegionHandler) HandleRegion(ctx context.Context, req *request.RegionRequest) error {
	start := time.Now()
	log := h.log.With("image_id", req.ImageID, "region_id", req.RegionID)

	if h.throttled() {
		release, err := h.admitRegion(ctx, req.Endpoint.Name)
		if err != nil {
			return err
		}
		defer release()
	}

	defer func() {
		h.cfg.Metrics.Duration(metrics.MetricDuration, time.Since(start), metrics.Dimensions{
			Operation: metrics.OpRegionProcessing,
			ModelName: req.Endpoint.Name,
		})
	}()

	ds, err := h.cfg.Opener.Open(ctx, req.ImageURL, req.ImageReadRole)
	if err != nil {
		return apperr.Wrap(apperr.KindLoadImage, err)
	}
	defer ds.Close()

	tiles := h.cfg.Strategy.ComputeTiles(req.RegionBounds, req.TileSize, req.TileOverlap)

	item := &store.RegionRequestItem{
		ImageID:        req.ImageID,
		RegionID:       req.RegionID,
		RegionBounds:   req.RegionBounds.String(),
		TotalTileCount: len(tiles),
	}
	if err := h.cfg.Regions.StartRegionRequest(ctx, item); err != nil {
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}

	async := req.Endpoint.Mode == request.ModeSMAsync
	tasks, tmpDir, err := h.produceTiles(ctx, req, ds, tiles, item, log)
	if tmpDir != "" {
		defer os.RemoveAll(tmpDir)
	}
	if err != nil {
		return err
	}

	proc, err := h.processor(req, ds)
	if err != nil {
		return err
	}
	progress := worker.NewProgress(log, req.RegionID, h.cfg.ProgressInterval)
	pool := worker.New(worker.Config{
		Workers:    runtime.NumCPU() * h.cfg.WorkersPerCPU,
		Processor:  proc,
		OnProgress: progress.Callback(),
		Metrics:    h.cfg.Metrics,
		ModelName:  req.Endpoint.Name,
	})
	results := pool.Run(ctx, tasks)

	if async {
		// Submission failures were recorded by the submitter; the results
		// worker owns completion. Closing here only matters when nothing was
		// submitted at all.
		return h.cfg.Accountant.FinalizeRegion(ctx, req.ImageID, req.RegionID)
	}

	for _, res := range results {
		if err := h.cfg.Regions.AddTileResult(ctx, req.ImageID, req.RegionID, res.Task.TileID(), res.Err == nil); err != nil {
			return apperr.Wrap(apperr.KindRetryableJob, err)
		}
		if res.Err != nil {
			log.Warn("tile failed", "tile_id", res.Task.TileID(), "error", res.Err)
		}
	}
	return h.completeRegion(ctx, req, log)
}

func (h *RegionHandler) throttled() bool {
	return h.cfg.Stats != nil && h.cfg.MaxRegionsPerEndpoint > 0
}

// admitRegion counts the region against the endpoint's in-progress budget
// and returns the paired decrement. The decrement runs on a detached context
// so a cancelled region never leaks its slot.
func (h *RegionHandler) admitRegion(ctx context.Context, endpoint string) (func(), error) {
	inProgress, err := h.cfg.Stats.InProgress(ctx, endpoint)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindRetryableJob, err)
	}
	if inProgress >= h.cfg.MaxRegionsPerEndpoint {
		return nil, apperr.Newf(apperr.KindSelfThrottledRegion,
			"endpoint %s at region capacity (%d in progress)", endpoint, inProgress)
	}
	if err := h.cfg.Stats.IncrementInProgress(ctx, endpoint); err != nil {
		return nil, apperr.Wrap(apperr.KindRetryableJob, err)
	}
	return func() {
		if err := h.cfg.Stats.DecrementInProgress(context.WithoutCancel(ctx), endpoint); err != nil {
			h.log.Error("decrement in-progress counter", "endpoint", endpoint, "error", err)
		}
	}, nil
}

// produceTiles encodes the region's tiles into a temp dir and returns the
// dispatchable tasks. Tiles already succeeded by a previous attempt are
// skipped; encoding failures are recorded as failed tiles and skipped.
func (h *RegionHandler) produceTiles(ctx context.Context, req *request.RegionRequest, ds raster.Dataset,
	tiles []tiling.Bounds, item *store.RegionRequestItem, log *slog.Logger) ([]worker.Task, string, error) {

	succeeded := make(map[string]bool, len(item.SucceededTiles))
	for _, id := range item.SucceededTiles {
		succeeded[id] = true
	}

	tmpDir, err := os.MkdirTemp("", "tilerunner-"+filepath.Base(req.JobID)+"-*")
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindSetupWorkers, err)
	}

	tasks := make([]worker.Task, 0, len(tiles))
	var creationFailures int
	for _, tb := range tiles {
		if succeeded[tb.String()] {
			continue
		}
		path := filepath.Join(tmpDir, tb.String()+tileExt(req.TileFormat))
		if _, err := h.cfg.Factory.EncodeTile(ctx, ds, tb, req.TileFormat, req.TileCompression, path); err != nil {
			creationFailures++
			log.Warn("tile creation failed", "tile_id", tb.String(), "error", err)
			if err := h.cfg.Regions.AddTileResult(ctx, req.ImageID, req.RegionID, tb.String(), false); err != nil {
				return nil, tmpDir, apperr.Wrap(apperr.KindRetryableJob, err)
			}
			continue
		}
		tasks = append(tasks, worker.Task{
			ImageID:  req.ImageID,
			RegionID: req.RegionID,
			TilePath: path,
			Bounds:   tb,
		})
	}
	if creationFailures > 0 {
		h.cfg.Metrics.Count(metrics.MetricTilesFailed, float64(creationFailures), metrics.Dimensions{
			Operation: metrics.OpRegionProcessing,
			ModelName: req.Endpoint.Name,
		})
	}
	return tasks, tmpDir, nil
}

// processor builds the per-region tile processor for the endpoint's invoke
// mode.
func (h *RegionHandler) processor(req *request.RegionRequest, ds raster.Dataset) (worker.Processor, error) {
	if req.Endpoint.Mode == request.ModeSMAsync {
		if h.cfg.Submitters == nil {
			return nil, apperr.Newf(apperr.KindUnsupportedModel,
				"no async pipeline configured for endpoint %s", req.Endpoint.Name)
		}
		return h.cfg.Submitters.NewSubmitter(req)
	}

	det, err := detector.ForEndpoint(req.Endpoint, h.cfg.HTTP, h.cfg.Runtime)
	if err != nil {
		return nil, err
	}
	aug := features.NewAugmenter(req.ImageID, req.ImageURL, ds.Metadata(),
		req.Endpoint.Name, req.Endpoint.TargetVariant, req.FeatureProperties)
	return &tileProcessor{
		detector:  det,
		augmenter: aug,
		features:  h.cfg.Features,
	}, nil
}

// completeRegion stamps the terminal accounting and rolls it up to the image
// and jobs records.
func (h *RegionHandler) completeRegion(ctx context.Context, req *request.RegionRequest, log *slog.Logger) error {
	region, err := h.cfg.Regions.GetRegionRequest(ctx, req.ImageID, req.RegionID)
	if err != nil {
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}

	status := store.StatusSuccess
	if region.SucceededTileCount == 0 && region.FailedTileCount > 0 {
		status = store.StatusFailed
	}
	if err := h.cfg.Regions.CompleteRegionRequest(ctx, req.ImageID, req.RegionID,
		region.TotalTileCount, region.SucceededTileCount, region.FailedTileCount, status); err != nil {
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}
	if err := h.cfg.Images.CompleteRegion(ctx, req.ImageID, req.RegionID, status == store.StatusFailed); err != nil {
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}
	if err := h.cfg.Jobs.CompleteRegion(ctx, req.Endpoint.Name, req.JobID, req.RegionID); err != nil {
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}

	h.cfg.Monitor.RegionStatus(ctx, req.ImageID, req.RegionID, status)
	log.Info("region complete",
		"status", status,
		"succeeded_tiles", region.SucceededTileCount,
		"failed_tiles", region.FailedTileCount)
	return nil
}

func tileExt(format request.TileFormat) string {
	switch format {
	case request.FormatPNG:
		return ".png"
	case request.FormatJPEG:
		return ".jpg"
	case request.FormatNITF:
		return ".ntf"
	default:
		return ".tif"
	}
}

// tileProcessor is the synchronous per-tile pipeline: read the encoded tile,
// invoke the detector, augment the detections, and persist them.
type tileProcessor struct {
	detector  *detector.FeatureDetector
	augmenter *features.Augmenter
	features  *store.FeatureStore
}

func (p *tileProcessor) ProcessTile(ctx context.Context, task worker.Task) (int, error) {
	f, err := os.Open(task.TilePath)
	if err != nil {
		return 0, fmt.Errorf("open tile %s: %w", task.TileID(), err)
	}
	fc, err := p.detector.DetectFeatures(ctx, f)
	f.Close()
	if err != nil {
		return 0, err
	}

	feats := p.augmenter.AugmentTile(fc.Features, task.Bounds)
	if err := p.features.PutFeatures(ctx, task.ImageID, task.RegionID, task.Bounds.String(), feats); err != nil {
		return 0, err
	}
	return len(feats), nil
}
