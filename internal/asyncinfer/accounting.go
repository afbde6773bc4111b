package asyncinfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/tilerunner/internal/monitor"
	"github.com/MeKo-Tech/tilerunner/internal/store"
)

// Accountant turns terminal tile outcomes into durable accounting: the tile
// row, the region tally, and region/job completion once the last tile lands.
// Both the submitter (for submission failures) and the results worker drive
// it.
type Accountant struct {
	tiles   *store.TileRequestStore
	regions *store.RegionRequestStore
	images  *store.ImageRequestStore
	jobs    *store.RequestedJobsStore
	monitor *monitor.Monitor
	log     *slog.Logger
}

// NewAccountant wires the accountant to its stores. The monitor may be nil.
func NewAccountant(tiles *store.TileRequestStore, regions *store.RegionRequestStore,
	images *store.ImageRequestStore, jobs *store.RequestedJobsStore,
	mon *monitor.Monitor, log *slog.Logger) *Accountant {

	if log == nil {
		log = slog.Default()
	}
	return &Accountant{
		tiles:   tiles,
		regions: regions,
		images:  images,
		jobs:    jobs,
		monitor: mon,
		log:     log,
	}
}

// TileSucceeded marks the tile done and rolls the result up. It returns
// (false, nil) when another observer already completed the tile, in which
// case the caller must not store features or emit metrics for it again.
func (a *Accountant) TileSucceeded(ctx context.Context, item *store.TileRequestItem) (bool, error) {
	err := a.tiles.CompleteTile(ctx, item.RegionID, item.TileID, store.StatusSuccess, "")
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := a.rollup(ctx, item, true); err != nil {
		return true, err
	}
	return true, nil
}

// TileFailed marks the tile failed with a reason and rolls the result up.
// Like TileSucceeded it is idempotent across competing observers.
func (a *Accountant) TileFailed(ctx context.Context, item *store.TileRequestItem, reason string) error {
	err := a.tiles.CompleteTile(ctx, item.RegionID, item.TileID, store.StatusFailed, reason)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Warn("async tile failed",
		"image_id", item.ImageID,
		"region_id", item.RegionID,
		"tile_id", item.TileID,
		"reason", reason)
	return a.rollup(ctx, item, false)
}

func (a *Accountant) rollup(ctx context.Context, item *store.TileRequestItem, succeeded bool) error {
	if err := a.regions.AddTileResult(ctx, item.ImageID, item.RegionID, item.TileID, succeeded); err != nil {
		return fmt.Errorf("record tile result: %w", err)
	}
	return a.FinalizeRegion(ctx, item.ImageID, item.RegionID)
}

// FinalizeRegion closes the region once every tile is accounted for. It is
// a no-op while tiles are outstanding or when the region is already closed.
// The tile id sets make AddTileResult idempotent, so whichever observer
// records the last tile performs the close exactly once per set of counts.
func (a *Accountant) FinalizeRegion(ctx context.Context, imageID, regionID string) error {
	region, err := a.regions.GetRegionRequest(ctx, imageID, regionID)
	if err != nil {
		return fmt.Errorf("load region %s: %w", regionID, err)
	}
	if !region.Terminal() || region.Status.Terminal() {
		return nil
	}

	status := store.StatusSuccess
	if region.SucceededTileCount == 0 {
		status = store.StatusFailed
	}
	if err := a.regions.CompleteRegionRequest(ctx, imageID, regionID,
		region.TotalTileCount, region.SucceededTileCount, region.FailedTileCount, status); err != nil {
		return err
	}

	image, err := a.images.GetImageRequest(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load image %s: %w", imageID, err)
	}
	if err := a.images.CompleteRegion(ctx, imageID, regionID, status == store.StatusFailed); err != nil {
		return err
	}
	if err := a.jobs.CompleteRegion(ctx, image.ModelName, image.JobID, regionID); err != nil {
		return err
	}

	a.monitor.RegionStatus(ctx, imageID, regionID, status)
	a.log.Info("async region complete",
		"image_id", imageID,
		"region_id", regionID,
		"status", status,
		"succeeded_tiles", region.SucceededTileCount,
		"failed_tiles", region.FailedTileCount)
	return nil
}
