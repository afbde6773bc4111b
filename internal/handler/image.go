package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/MeKo-Tech/tilerunner/internal/apperr"
	"github.com/MeKo-Tech/tilerunner/internal/endpoints"
	"github.com/MeKo-Tech/tilerunner/internal/features"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/monitor"
	"github.com/MeKo-Tech/tilerunner/internal/queue"
	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/sink"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// DefaultCompletionPoll is how often the image handler re-reads the image
// row while waiting for distributed regions to finish.
const DefaultCompletionPoll = 5 * time.Second

// ImageConfig wires the image handler.
type ImageConfig struct {
	Opener   raster.Opener
	Strategy tiling.Strategy

	RegionQueue *queue.Queue
	Regions     *RegionHandler

	Images      *store.ImageRequestStore
	RegionStore *store.RegionRequestStore
	Jobs        *store.RequestedJobsStore
	Features    *store.FeatureStore

	// Variants fills in a default variant when the request names none.
	Variants *endpoints.VariantSelector

	// Sink clients; outputs in the request select which are used.
	S3      sink.S3API
	Kinesis sink.KinesisAPI

	RegionSize     tiling.Dims
	CompletionPoll time.Duration

	Monitor *monitor.Monitor
	Metrics metrics.Sink
	Logger  *slog.Logger
}

// ImageHandler fans an admitted image out into regions, waits for the fleet
// to finish them, and aggregates the detections into the requested sinks.
type ImageHandler struct {
	cfg ImageConfig
	log *slog.Logger
}

// NewImageHandler builds the handler.
func NewImageHandler(cfg ImageConfig) *ImageHandler {
	if cfg.CompletionPoll <= 0 {
		cfg.CompletionPoll = DefaultCompletionPoll
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ImageHandler{cfg: cfg, log: log}
}

// HandleImage runs one image end to end. Errors mean the upstream message
// should be released for retry; the image row, if it exists, is already
// marked failed by then.
func (h *ImageHandler) HandleImage(ctx context.Context, req *request.ImageRequest) error {
	start := time.Now()
	log := h.log.With("image_id", req.ImageID, "job_id", req.JobID)

	defer func() {
		h.cfg.Metrics.Duration(metrics.MetricDuration, time.Since(start), metrics.Dimensions{
			Operation: metrics.OpImageProcessing,
			ModelName: req.Endpoint.Name,
		})
	}()

	if req.Endpoint.TargetVariant == "" && h.cfg.Variants != nil {
		req.Endpoint.TargetVariant = h.cfg.Variants.SelectVariant(ctx, req)
	}

	if err := h.startImage(ctx, req); err != nil {
		// No row exists yet; the terminal event carries the identifiers we
		// do have.
		h.cfg.Monitor.ImageStatus(ctx, req.ImageID, req.JobID, store.StatusFailed, 0, err.Error())
		return apperr.Wrap(apperr.KindRetryableJob, err)
	}
	h.cfg.Monitor.ImageStatus(ctx, req.ImageID, req.JobID, store.StatusStarted, 0, "")
	log.Info("image started", "model", req.Endpoint.Name, "variant", req.Endpoint.TargetVariant)

	ds, err := h.cfg.Opener.Open(ctx, req.ImageURL, req.ImageReadRole)
	if err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindLoadImage, err))
	}
	defer ds.Close()

	meta := ds.Metadata()
	var acquired int64
	if !meta.AcquisitionTime.IsZero() {
		acquired = meta.AcquisitionTime.Unix()
	}
	if err := h.cfg.Images.SetSourceMetadata(ctx, req.ImageID, meta.SourceID, meta.Format, acquired); err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindRetryableJob, err))
	}

	processing, ok := h.processingBounds(req, ds, log)
	if !ok {
		reason := "ROI has no intersection with image"
		if err := h.cfg.Images.EndImageRequest(ctx, req.ImageID, store.StatusFailed); err != nil {
			log.Error("finalize image", "error", err)
		}
		// The miss is deterministic, so the job must leave the working set
		// or the scheduler would replay it until attempts exhaust.
		if err := h.cfg.Jobs.DeleteRequest(ctx, req.Endpoint.Name, req.JobID); err != nil {
			log.Error("remove rejected job", "error", err)
		}
		h.cfg.Monitor.ImageStatus(ctx, req.ImageID, req.JobID, store.StatusFailed, time.Since(start), reason)
		log.Warn("image rejected", "reason", reason)
		return nil
	}

	regions := h.cfg.Strategy.ComputeRegions(processing, h.cfg.RegionSize, req.TileSize, req.TileOverlap)
	if err := h.cfg.Images.SetRegionCount(ctx, req.ImageID, len(regions)); err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindRetryableJob, err))
	}
	if err := h.cfg.Jobs.SetRegionCount(ctx, req.Endpoint.Name, req.JobID, len(regions)); err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindRetryableJob, err))
	}

	// Every region but the first goes through the queue; the first runs
	// inline so single-region images never pay a queue round-trip.
	for _, bounds := range regions[1:] {
		rr := request.NewRegionRequest(*req, bounds)
		body, err := request.MarshalRegion(&rr)
		if err != nil {
			return h.failImage(ctx, req, start, err)
		}
		if err := h.cfg.RegionQueue.Send(ctx, string(body), 0); err != nil {
			return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindRetryableJob, err))
		}
	}
	log.Info("regions dispatched", "count", len(regions))

	first := request.NewRegionRequest(*req, regions[0])
	if err := h.cfg.Regions.HandleRegion(ctx, &first); err != nil {
		return h.failImage(ctx, req, start, err)
	}

	if err := h.awaitCompletion(ctx, req.ImageID, len(regions)); err != nil {
		return h.failImage(ctx, req, start, err)
	}

	status, err := h.aggregate(ctx, req, ds, processing, log)
	if err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindAggregateFeatures, err))
	}

	if err := h.cfg.Images.EndImageRequest(ctx, req.ImageID, status); err != nil {
		return h.failImage(ctx, req, start, apperr.Wrap(apperr.KindRetryableJob, err))
	}
	h.cfg.Monitor.ImageStatus(ctx, req.ImageID, req.JobID, status, time.Since(start), "")
	log.Info("image complete", "status", status, "duration", time.Since(start))
	return nil
}

func (h *ImageHandler) startImage(ctx context.Context, req *request.ImageRequest) error {
	item := &store.ImageRequestItem{
		ImageID:      req.ImageID,
		JobID:        req.JobID,
		ImageURL:     req.ImageURL,
		ModelName:    req.Endpoint.Name,
		ModelVariant: req.Endpoint.TargetVariant,
	}
	if len(req.FeatureProperties) > 0 {
		props, err := json.Marshal(req.FeatureProperties)
		if err == nil {
			item.FeatureProperties = string(props)
		}
	}
	return h.cfg.Images.StartImageRequest(ctx, item)
}

// failImage marks the row failed, emits the terminal event, and returns the
// original error so the upstream message is released for retry.
func (h *ImageHandler) failImage(ctx context.Context, req *request.ImageRequest, start time.Time, cause error) error {
	if err := h.cfg.Images.EndImageRequest(context.WithoutCancel(ctx), req.ImageID, store.StatusFailed); err != nil {
		h.log.Error("mark image failed", "image_id", req.ImageID, "error", err)
	}
	h.cfg.Monitor.ImageStatus(context.WithoutCancel(ctx), req.ImageID, req.JobID,
		store.StatusFailed, time.Since(start), cause.Error())
	return cause
}

// processingBounds intersects the image extents with the request's ROI. A
// false return means the ROI misses the image entirely.
func (h *ImageHandler) processingBounds(req *request.ImageRequest, ds raster.Dataset, log *slog.Logger) (tiling.Bounds, bool) {
	extents := ds.Extents()
	if req.ROI == nil {
		return extents, true
	}

	model := ds.Sensor()
	if model == nil {
		// Without georeferencing the ROI cannot be projected; process the
		// whole image rather than guess.
		log.Warn("request has ROI but image carries no sensor model, ignoring ROI")
		return extents, true
	}

	roi := roiPixelBounds(req.ROI[0], model)
	processing := extents.Intersect(roi)
	if processing.Empty() {
		return tiling.Bounds{}, false
	}
	return processing, true
}

// roiPixelBounds projects the ROI's outer ring into pixel space and takes
// its bounding box.
func roiPixelBounds(ring orb.Ring, model sensor.Model) tiling.Bounds {
	minCol, minRow := math.Inf(1), math.Inf(1)
	maxCol, maxRow := math.Inf(-1), math.Inf(-1)
	for _, p := range ring {
		col, row := model.GeoToImage(p)
		minCol = math.Min(minCol, col)
		minRow = math.Min(minRow, row)
		maxCol = math.Max(maxCol, col)
		maxRow = math.Max(maxRow, row)
	}
	return tiling.Bounds{
		Row:    int(math.Floor(minRow)),
		Col:    int(math.Floor(minCol)),
		Width:  int(math.Ceil(maxCol)) - int(math.Floor(minCol)),
		Height: int(math.Ceil(maxRow)) - int(math.Floor(minRow)),
	}
}

// awaitCompletion polls the image row until every region is terminal.
func (h *ImageHandler) awaitCompletion(ctx context.Context, imageID string, regionCount int) error {
	ticker := time.NewTicker(h.cfg.CompletionPoll)
	defer ticker.Stop()

	for {
		item, err := h.cfg.Images.GetImageRequest(ctx, imageID)
		if err != nil {
			return apperr.Wrap(apperr.KindRetryableJob, err)
		}
		if item.RegionsComplete >= regionCount {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// aggregate reads back every region's detections, geolocates them, runs seam
// deduplication when requested, and writes the result to the sinks.
func (h *ImageHandler) aggregate(ctx context.Context, req *request.ImageRequest, ds raster.Dataset,
	processing tiling.Bounds, log *slog.Logger) (store.Status, error) {

	feats, err := h.cfg.Features.GetAllFeatures(ctx, req.ImageID)
	if err != nil {
		return "", err
	}

	features.Geolocate(feats, ds.Sensor())

	if _, ok := req.Distillation(); ok {
		before := len(feats)
		feats = h.cfg.Strategy.CleanupDuplicateFeatures(processing, h.cfg.RegionSize,
			req.TileSize, req.TileOverlap, feats, features.NewNMSSelector(req.PostProcessing))
		log.Info("seam deduplication", "before", before, "after", len(feats))
	}

	fc := geojson.NewFeatureCollection()
	fc.Features = feats
	sinks, err := sink.ForOutputs(req.Outputs, h.cfg.S3, h.cfg.Kinesis)
	if err != nil {
		return "", err
	}
	if err := sink.WriteAll(ctx, sinks, req.JobID, fc, log); err != nil {
		return "", err
	}

	h.cfg.Metrics.Count(metrics.MetricFeatures, float64(len(feats)), metrics.Dimensions{
		Operation: metrics.OpAggregation,
		ModelName: req.Endpoint.Name,
	})

	return h.imageStatus(ctx, req.ImageID)
}

// imageStatus derives the terminal status from the region rows: FAILED when
// nothing succeeded, PARTIAL when any region failed or dropped tiles,
// SUCCESS otherwise.
func (h *ImageHandler) imageStatus(ctx context.Context, imageID string) (store.Status, error) {
	regions, err := h.cfg.RegionStore.GetRegionRequests(ctx, imageID)
	if err != nil {
		return "", err
	}

	var failedRegions, failedTiles, succeededTiles int
	for _, r := range regions {
		if r.Status == store.StatusFailed {
			failedRegions++
		}
		failedTiles += r.FailedTileCount
		succeededTiles += r.SucceededTileCount
	}

	switch {
	case len(regions) > 0 && failedRegions == len(regions):
		return store.StatusFailed, nil
	case failedRegions > 0 || failedTiles > 0:
		return store.StatusPartial, nil
	default:
		return store.StatusSuccess, nil
	}
}
