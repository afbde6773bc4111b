// Package raster abstracts raster access behind narrow interfaces. The
// orchestrator never touches pixel formats directly: it opens a Dataset to
// learn extents and metadata, and asks a TileFactory for encoded tile bytes.
package raster

import (
	"context"
	"time"

	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// Metadata describes the source image for feature provenance.
type Metadata struct {
	// SourceID identifies the collect, when the format carries one.
	SourceID string
	// Format is the container format of the source (NITF, GTIFF, ...).
	Format string
	// AcquisitionTime is when the image was collected; zero when unknown.
	AcquisitionTime time.Time
}

// Dataset is an opened raster image.
type Dataset interface {
	// Extents returns the full pixel bounds of the image.
	Extents() tiling.Bounds
	// Metadata returns source provenance for emitted features.
	Metadata() Metadata
	// Sensor returns the pixel-to-geographic model, or nil when the image
	// carries no georeferencing.
	Sensor() sensor.Model
	// Close releases the dataset.
	Close() error
}

// TileFactory encodes a pixel window of a dataset into tile bytes.
type TileFactory interface {
	// EncodeTile writes the window as an encoded tile to path and returns
	// the number of bytes written.
	EncodeTile(ctx context.Context, ds Dataset, window tiling.Bounds,
		format request.TileFormat, compression request.TileCompression, path string) (int64, error)
}

// Opener loads a dataset from a URI, assuming readRole for access when set.
// Unreachable or unreadable images fail with a LoadImageError kind so intake
// can dead-letter them.
type Opener interface {
	Open(ctx context.Context, uri, readRole string) (Dataset, error)
}

// RegionCalculator computes how many regions an image will produce. The
// buffered queue uses it at intake so the scheduler can estimate load before
// the image is admitted.
type RegionCalculator interface {
	RegionCount(ctx context.Context, req *request.ImageRequest) (int, error)
}

// StrategyRegionCalculator opens the image header and counts regions with the
// tiling strategy.
type StrategyRegionCalculator struct {
	Opener     Opener
	Strategy   tiling.Strategy
	RegionSize tiling.Dims
}

// RegionCount opens the image and returns the number of regions the request
// will yield.
func (c *StrategyRegionCalculator) RegionCount(ctx context.Context, req *request.ImageRequest) (int, error) {
	ds, err := c.Opener.Open(ctx, req.ImageURL, req.ImageReadRole)
	if err != nil {
		return 0, err
	}
	defer ds.Close()

	regions := c.Strategy.ComputeRegions(ds.Extents(), c.RegionSize, req.TileSize, req.TileOverlap)
	return len(regions), nil
}
