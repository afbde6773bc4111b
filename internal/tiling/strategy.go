package tiling

import (
	"encoding/json"

	"github.com/paulmach/orb/geojson"
)

// Strategy computes the region and tile decomposition of an image and cleans
// up duplicate detections created by overlapping windows.
type Strategy interface {
	ComputeRegions(processing Bounds, regionSize, tileSize, tileOverlap Dims) []Bounds
	ComputeTiles(region Bounds, tileSize, tileOverlap Dims) []Bounds
	CleanupDuplicateFeatures(processing Bounds, regionSize, tileSize, tileOverlap Dims,
		features []*geojson.Feature, selector FeatureSelector) []*geojson.Feature
}

// FeatureSelector picks the surviving features from a set of candidates that
// live in overlap bands. It must be deterministic given the same input
// multiset.
type FeatureSelector interface {
	Select(features []*geojson.Feature) []*geojson.Feature
}

// VariableOverlapStrategy tiles with a fixed window size and a fixed overlap
// margin on each axis. Windows step by size minus overlap; edge windows are
// clamped to the parent bounds.
type VariableOverlapStrategy struct{}

// NewVariableOverlapStrategy returns the default tiling strategy.
func NewVariableOverlapStrategy() *VariableOverlapStrategy {
	return &VariableOverlapStrategy{}
}

// ComputeRegions splits the processing bounds into regions of at most
// regionSize, overlapping by tileOverlap so detections that straddle a region
// edge appear in both neighbors and can be deduplicated later. Regions are
// emitted in row-major order.
func (s *VariableOverlapStrategy) ComputeRegions(processing Bounds, regionSize, tileSize, tileOverlap Dims) []Bounds {
	// Region size is clamped up to the tile size so a region always holds at
	// least one full tile.
	size := Dims{
		Width:  max(regionSize.Width, tileSize.Width),
		Height: max(regionSize.Height, tileSize.Height),
	}
	return windows(processing, size, tileOverlap)
}

// ComputeTiles splits a region into tiles of at most tileSize, overlapping by
// tileOverlap, in row-major order.
func (s *VariableOverlapStrategy) ComputeTiles(region Bounds, tileSize, tileOverlap Dims) []Bounds {
	return windows(region, tileSize, tileOverlap)
}

// windows enumerates clamped windows of the given size over bounds, stepping
// by size minus overlap on each axis.
func windows(bounds Bounds, size, overlap Dims) []Bounds {
	if bounds.Empty() {
		return nil
	}

	strideW := size.Width - overlap.Width
	strideH := size.Height - overlap.Height
	if strideW <= 0 || strideH <= 0 {
		return nil
	}

	var out []Bounds
	for row := bounds.Row; row < bounds.MaxRow(); row += strideH {
		height := min(size.Height, bounds.MaxRow()-row)
		for col := bounds.Col; col < bounds.MaxCol(); col += strideW {
			width := min(size.Width, bounds.MaxCol()-col)
			out = append(out, Bounds{Row: row, Col: col, Width: width, Height: height})

			// The last column window already reaches the edge.
			if col+width >= bounds.MaxCol() {
				break
			}
		}
		if row+height >= bounds.MaxRow() {
			break
		}
	}
	return out
}

// CleanupDuplicateFeatures routes features through the selector only when they
// sit inside an overlap band of the tile or region grid. Interior features
// pass through unchanged; the selector resolves the seam candidates.
func (s *VariableOverlapStrategy) CleanupDuplicateFeatures(processing Bounds, regionSize, tileSize, tileOverlap Dims,
	features []*geojson.Feature, selector FeatureSelector) []*geojson.Feature {

	if len(features) == 0 {
		return nil
	}
	if selector == nil {
		return features
	}

	bands := seamBands(processing, regionSize, tileSize, tileOverlap)

	interior := make([]*geojson.Feature, 0, len(features))
	var seam []*geojson.Feature
	for _, f := range features {
		row, col, ok := featureCentroid(f)
		if ok && bands.isSeam(row, col) {
			seam = append(seam, f)
			continue
		}
		interior = append(interior, f)
	}

	return append(interior, selector.Select(seam)...)
}

// bandSet holds the seam strides and overlaps relative to an origin.
type bandSet struct {
	originRow, originCol       int
	tileStride, regionStride   Dims
	tileOverlap, regionOverlap Dims
}

func seamBands(processing Bounds, regionSize, tileSize, tileOverlap Dims) bandSet {
	return bandSet{
		originRow: processing.Row,
		originCol: processing.Col,
		tileStride: Dims{
			Width:  tileSize.Width - tileOverlap.Width,
			Height: tileSize.Height - tileOverlap.Height,
		},
		regionStride: Dims{
			Width:  max(regionSize.Width, tileSize.Width) - tileOverlap.Width,
			Height: max(regionSize.Height, tileSize.Height) - tileOverlap.Height,
		},
		tileOverlap:   tileOverlap,
		regionOverlap: tileOverlap,
	}
}

// isSeam reports whether the point lies in an overlap band of the tile grid or
// the region grid on either axis.
func (b bandSet) isSeam(row, col float64) bool {
	r := row - float64(b.originRow)
	c := col - float64(b.originCol)

	return inBand(r, b.tileStride.Height, b.tileOverlap.Height) ||
		inBand(c, b.tileStride.Width, b.tileOverlap.Width) ||
		inBand(r, b.regionStride.Height, b.regionOverlap.Height) ||
		inBand(c, b.regionStride.Width, b.regionOverlap.Width)
}

// inBand reports whether v falls inside the overlap band shared by window k-1
// and window k. The band for window k covers [k*stride, k*stride+overlap).
func inBand(v float64, stride, overlap int) bool {
	if stride <= 0 || overlap <= 0 || v < float64(stride) {
		return false
	}
	offset := v - float64(int(v/float64(stride)))*float64(stride)
	return offset < float64(overlap)
}

// featureCentroid returns the pixel (row, col) center of a feature's image
// bounding box, read from the imageBBox property written at detection time.
func featureCentroid(f *geojson.Feature) (row, col float64, ok bool) {
	box, ok := ImageBBox(f)
	if !ok {
		return 0, 0, false
	}
	return (box[1] + box[3]) / 2, (box[0] + box[2]) / 2, true
}

// ImageBBox reads the [minCol, minRow, maxCol, maxRow] pixel bounding box from
// a feature's imageBBox property.
func ImageBBox(f *geojson.Feature) ([4]float64, bool) {
	var box [4]float64
	raw, present := f.Properties["imageBBox"]
	if !present {
		return box, false
	}

	switch v := raw.(type) {
	case [4]float64:
		return v, true
	case []float64:
		if len(v) != 4 {
			return box, false
		}
		copy(box[:], v)
		return box, true
	case []any:
		if len(v) != 4 {
			return box, false
		}
		for i, e := range v {
			n, ok := toFloat(e)
			if !ok {
				return box, false
			}
			box[i] = n
		}
		return box, true
	default:
		return box, false
	}
}

// SetImageBBox writes the pixel bounding box property on a feature.
func SetImageBBox(f *geojson.Feature, minCol, minRow, maxCol, maxRow float64) {
	f.Properties["imageBBox"] = []float64{minCol, minRow, maxCol, maxRow}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
