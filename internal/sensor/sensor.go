// Package sensor maps between pixel and geographic coordinates. Full
// photogrammetry lives outside this service; the orchestrator only needs the
// narrow Model contract plus the affine geotransform case.
package sensor

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Model converts between image pixel coordinates and WGS84 lon-lat.
type Model interface {
	// ImageToGeo maps a pixel (col, row) to a lon-lat point.
	ImageToGeo(col, row float64) orb.Point
	// GeoToImage maps a lon-lat point to a pixel (col, row).
	GeoToImage(p orb.Point) (col, row float64)
}

// Affine is a GDAL-style geotransform model:
//
//	lon = GT[0] + col*GT[1] + row*GT[2]
//	lat = GT[3] + col*GT[4] + row*GT[5]
type Affine struct {
	gt  [6]float64
	inv [6]float64
}

// NewAffine builds an affine model from a geotransform. It fails on a
// singular transform.
func NewAffine(gt [6]float64) (*Affine, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return nil, fmt.Errorf("geotransform is not invertible: %v", gt)
	}

	inv := [6]float64{}
	inv[1] = gt[5] / det
	inv[2] = -gt[2] / det
	inv[4] = -gt[4] / det
	inv[5] = gt[1] / det
	inv[0] = -(inv[1]*gt[0] + inv[2]*gt[3])
	inv[3] = -(inv[4]*gt[0] + inv[5]*gt[3])

	return &Affine{gt: gt, inv: inv}, nil
}

// ImageToGeo maps a pixel (col, row) to lon-lat.
func (a *Affine) ImageToGeo(col, row float64) orb.Point {
	return orb.Point{
		a.gt[0] + col*a.gt[1] + row*a.gt[2],
		a.gt[3] + col*a.gt[4] + row*a.gt[5],
	}
}

// GeoToImage maps a lon-lat point to pixel (col, row).
func (a *Affine) GeoToImage(p orb.Point) (col, row float64) {
	col = a.inv[0] + p[0]*a.inv[1] + p[1]*a.inv[2]
	row = a.inv[3] + p[0]*a.inv[4] + p[1]*a.inv[5]
	return col, row
}

// ProjectRing maps a geographic ring into pixel space.
func ProjectRing(m Model, ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring))
	for i, p := range ring {
		col, row := m.GeoToImage(p)
		out[i] = orb.Point{col, row}
	}
	return out
}

// ProjectPolygon maps a geographic polygon into pixel space.
func ProjectPolygon(m Model, poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		out[i] = ProjectRing(m, ring)
	}
	return out
}
