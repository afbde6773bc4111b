// Package features turns raw detector output into the features the service
// publishes: pixel geometry lifted into image coordinates, geographic
// geometry derived through the sensor model, metadata stamping, and seam
// deduplication via non-maximum suppression.
package features

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

// Property keys written by the augmenter.
const (
	PropImageID         = "imageID"
	PropSourceID        = "sourceID"
	PropSourceFormat    = "sourceFormat"
	PropAcquisitionTime = "acquisitionTime"
	PropModelName       = "modelName"
	PropModelVariant    = "modelVariant"
	PropInferenceTime   = "inferenceTime"
)

// Augmenter stamps detector output with identity, provenance, and
// image-space geometry. One augmenter serves one image.
type Augmenter struct {
	ImageID      string
	ImageURL     string
	Source       raster.Metadata
	ModelName    string
	ModelVariant string
	// Properties is the user-supplied overlay merged into every feature.
	Properties map[string]any

	now func() time.Time
}

// NewAugmenter builds an augmenter for one image.
func NewAugmenter(imageID, imageURL string, source raster.Metadata, modelName, modelVariant string, properties map[string]any) *Augmenter {
	return &Augmenter{
		ImageID:      imageID,
		ImageURL:     imageURL,
		Source:       source,
		ModelName:    modelName,
		ModelVariant: modelVariant,
		Properties:   properties,
		now:          time.Now,
	}
}

// AugmentTile rewrites one tile's detections in place. Detector geometry is
// tile-relative pixel coordinates; augmentation translates it into full-image
// pixel coordinates, records the pixel bounding box, and stamps metadata.
func (a *Augmenter) AugmentTile(features []*geojson.Feature, tile tiling.Bounds) []*geojson.Feature {
	inferenceTime := a.now().UTC().Format(time.RFC3339)

	for _, f := range features {
		if f.ID == nil || f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}

		f.Geometry = translateGeometry(f.Geometry, float64(tile.Col), float64(tile.Row))
		if minCol, minRow, maxCol, maxRow, ok := pixelBounds(f.Geometry); ok {
			tiling.SetImageBBox(f, minCol, minRow, maxCol, maxRow)
		}

		f.Properties[PropImageID] = a.ImageID
		f.Properties[PropSourceID] = a.Source.SourceID
		f.Properties[PropSourceFormat] = a.Source.Format
		if !a.Source.AcquisitionTime.IsZero() {
			f.Properties[PropAcquisitionTime] = a.Source.AcquisitionTime.UTC().Format(time.RFC3339)
		}
		f.Properties[PropModelName] = a.ModelName
		if a.ModelVariant != "" {
			f.Properties[PropModelVariant] = a.ModelVariant
		}
		f.Properties[PropInferenceTime] = inferenceTime

		for k, v := range a.Properties {
			f.Properties[k] = v
		}
	}
	return features
}

// Geolocate replaces pixel geometry with geographic geometry computed through
// the sensor model. The pixel bounding box property is preserved so dedup and
// downstream consumers keep image-space context.
func Geolocate(features []*geojson.Feature, model sensor.Model) {
	if model == nil {
		return
	}
	for _, f := range features {
		f.Geometry = geolocateGeometry(f.Geometry, model)
	}
}

func translateGeometry(g orb.Geometry, dc, dr float64) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return orb.Point{geom[0] + dc, geom[1] + dr}
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(geom))
		for i, p := range geom {
			out[i] = orb.Point{p[0] + dc, p[1] + dr}
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(geom))
		for i, p := range geom {
			out[i] = orb.Point{p[0] + dc, p[1] + dr}
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(geom))
		for i, p := range geom {
			out[i] = orb.Point{p[0] + dc, p[1] + dr}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(geom))
		for i, ring := range geom {
			out[i] = translateGeometry(ring, dc, dr).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			out[i] = translateGeometry(poly, dc, dr).(orb.Polygon)
		}
		return out
	default:
		return g
	}
}

func geolocateGeometry(g orb.Geometry, model sensor.Model) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return model.ImageToGeo(geom[0], geom[1])
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(geom))
		for i, p := range geom {
			out[i] = model.ImageToGeo(p[0], p[1])
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(geom))
		for i, p := range geom {
			out[i] = model.ImageToGeo(p[0], p[1])
		}
		return out
	case orb.Ring:
		return sensor.ProjectRing(model, geom)
	case orb.Polygon:
		return sensor.ProjectPolygon(model, geom)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			out[i] = sensor.ProjectPolygon(model, poly)
		}
		return out
	default:
		return g
	}
}

// pixelBounds computes the axis-aligned pixel extent of a geometry.
func pixelBounds(g orb.Geometry) (minCol, minRow, maxCol, maxRow float64, ok bool) {
	if g == nil {
		return 0, 0, 0, 0, false
	}
	b := g.Bound()
	return b.Min[0], b.Min[1], b.Max[0], b.Max[1], true
}
