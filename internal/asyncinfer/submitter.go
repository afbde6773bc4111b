package asyncinfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/tilerunner/internal/detector"
	"github.com/MeKo-Tech/tilerunner/internal/metrics"
	"github.com/MeKo-Tech/tilerunner/internal/store"
	"github.com/MeKo-Tech/tilerunner/internal/worker"
)

// SubmitterConfig wires one region's worth of async submissions.
type SubmitterConfig struct {
	Tiles      *store.TileRequestStore
	Objects    *ObjectStore
	Invoker    *detector.AsyncInvoker
	Poller     *Poller
	Accountant *Accountant
	Resources  *ResourceManager

	// InputLocation is the s3:// prefix tile payloads are uploaded under.
	InputLocation string
	// ImagePath is the source image URI, recorded on each tile row.
	ImagePath string
	ModelName string

	Metrics metrics.Sink
	Logger  *slog.Logger
}

// Submitter pushes tiles into an asynchronous endpoint: upload the payload,
// record the tile, invoke, then hand completion over to the results worker.
// It implements worker.Processor so the region handler can drive it from the
// same pool as synchronous inference.
type Submitter struct {
	cfg SubmitterConfig
	log *slog.Logger
}

// NewSubmitter builds a submitter for one region run.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{cfg: cfg, log: log}
}

// ProcessTile adapts SubmitTile to the worker pool. A submitted tile reports
// zero features; its detections arrive later through the results worker.
func (s *Submitter) ProcessTile(ctx context.Context, task worker.Task) (int, error) {
	return 0, s.SubmitTile(ctx, task)
}

// SubmitTile runs one tile through the submission sequence. Failures are
// recorded as terminal tile results before the error is returned, so the
// region's accounting never waits on a tile that was never invoked.
func (s *Submitter) SubmitTile(ctx context.Context, task worker.Task) error {
	inputURI := s.inputURI(task)

	if err := s.uploadTile(ctx, task.TilePath, inputURI); err != nil {
		return s.failTile(ctx, task, fmt.Sprintf("upload tile payload: %v", err))
	}

	item := s.tileItem(task)
	item.InputLocation = inputURI
	if err := s.cfg.Tiles.CreateTileRequest(ctx, item); err != nil {
		s.cfg.Resources.Release(ctx, inputURI)
		return fmt.Errorf("create tile request %s: %w", task.TileID(), err)
	}

	inv, err := s.cfg.Invoker.Invoke(ctx, inputURI)
	if err != nil {
		s.cfg.Resources.Release(ctx, inputURI)
		return s.failTile(ctx, task, fmt.Sprintf("invoke endpoint: %v", err))
	}

	if err := s.cfg.Tiles.MarkInProgress(ctx, task.RegionID, task.TileID(),
		inv.InferenceID, inv.OutputLocation, inv.FailureLocation); err != nil {
		return err
	}
	s.cfg.Metrics.Count(metrics.MetricInvocations, 1, metrics.Dimensions{
		Operation: metrics.OpAsyncInference,
		ModelName: s.cfg.ModelName,
	})

	// The local payload lives in the region's temp dir; once uploaded it is
	// dead weight.
	if err := os.Remove(task.TilePath); err != nil {
		s.log.Warn("remove local tile payload", "path", task.TilePath, "error", err)
	}

	if err := s.cfg.Poller.Schedule(ctx, task.RegionID, task.TileID()); err != nil {
		// Notifications still resolve the tile; only the lost-notification
		// fallback is degraded.
		s.log.Warn("schedule poll", "tile_id", task.TileID(), "error", err)
	}

	s.log.Debug("tile submitted",
		"tile_id", task.TileID(),
		"inference_id", inv.InferenceID,
		"output_location", inv.OutputLocation)
	return nil
}

func (s *Submitter) uploadTile(ctx context.Context, tilePath, inputURI string) error {
	f, err := os.Open(tilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.cfg.Objects.Upload(ctx, inputURI, f)
}

func (s *Submitter) inputURI(task worker.Task) string {
	name := uuid.NewString() + path.Ext(task.TilePath)
	return strings.TrimSuffix(s.cfg.InputLocation, "/") + "/" + task.ImageID + "/" + name
}

func (s *Submitter) tileItem(task worker.Task) *store.TileRequestItem {
	return &store.TileRequestItem{
		RegionID:   task.RegionID,
		TileID:     task.TileID(),
		ImageID:    task.ImageID,
		ImagePath:  s.cfg.ImagePath,
		TileBounds: task.Bounds.String(),
	}
}

// failTile records a terminal failure for a tile that never made it into the
// endpoint. The row is (re)written first so the completion write has
// something to condition on.
func (s *Submitter) failTile(ctx context.Context, task worker.Task, reason string) error {
	item := s.tileItem(task)
	if err := s.cfg.Tiles.CreateTileRequest(ctx, item); err != nil {
		return fmt.Errorf("record submission failure %s: %w", task.TileID(), err)
	}
	if err := s.cfg.Accountant.TileFailed(ctx, item, reason); err != nil {
		return err
	}
	return fmt.Errorf("submit tile %s: %s", task.TileID(), reason)
}
