package features

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/tilerunner/internal/raster"
	"github.com/MeKo-Tech/tilerunner/internal/request"
	"github.com/MeKo-Tech/tilerunner/internal/sensor"
	"github.com/MeKo-Tech/tilerunner/internal/tiling"
)

func boxFeature(id string, score, minCol, minRow, maxCol, maxRow float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{{
		{minCol, minRow}, {maxCol, minRow}, {maxCol, maxRow}, {minCol, maxRow}, {minCol, minRow},
	}})
	f.ID = id
	f.Properties = geojson.Properties{"score": score}
	tiling.SetImageBBox(f, minCol, minRow, maxCol, maxRow)
	return f
}

func TestAugmentTileTranslatesAndStamps(t *testing.T) {
	acquired := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	a := NewAugmenter(
		"job-1:s3://b/i.tif", "s3://b/i.tif",
		raster.Metadata{SourceID: "i.tif", Format: "GTIFF", AcquisitionTime: acquired},
		"airplanes", "v2",
		map[string]any{"mission": "test-run"},
	)

	f := geojson.NewFeature(orb.Point{10, 20})
	f.Properties = geojson.Properties{"score": 0.9}
	out := a.AugmentTile([]*geojson.Feature{f}, tiling.Bounds{Row: 384, Col: 768, Width: 512, Height: 512})

	require.Len(t, out, 1)
	got := out[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, orb.Point{778, 404}, got.Geometry)

	box, ok := tiling.ImageBBox(got)
	require.True(t, ok)
	assert.Equal(t, [4]float64{778, 404, 778, 404}, box)

	assert.Equal(t, "job-1:s3://b/i.tif", got.Properties[PropImageID])
	assert.Equal(t, "GTIFF", got.Properties[PropSourceFormat])
	assert.Equal(t, "2026-03-14T09:26:53Z", got.Properties[PropAcquisitionTime])
	assert.Equal(t, "airplanes", got.Properties[PropModelName])
	assert.Equal(t, "v2", got.Properties[PropModelVariant])
	assert.Equal(t, "test-run", got.Properties["mission"])
	assert.InDelta(t, 0.9, got.Properties.MustFloat64("score"), 1e-9)
}

func TestAugmentTilePolygonBBox(t *testing.T) {
	a := NewAugmenter("img", "url", raster.Metadata{}, "m", "", nil)

	f := geojson.NewFeature(orb.Polygon{{{0, 0}, {40, 0}, {40, 30}, {0, 30}, {0, 0}}})
	out := a.AugmentTile([]*geojson.Feature{f}, tiling.Bounds{Row: 100, Col: 200})

	box, ok := tiling.ImageBBox(out[0])
	require.True(t, ok)
	assert.Equal(t, [4]float64{200, 100, 240, 130}, box)
}

func TestGeolocate(t *testing.T) {
	// 0.001 degrees per pixel anchored at (-77, 39).
	model, err := sensor.NewAffine([6]float64{-77, 0.001, 0, 39, 0, -0.001})
	require.NoError(t, err)

	point := geojson.NewFeature(orb.Point{100, 200})
	poly := geojson.NewFeature(orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}})
	Geolocate([]*geojson.Feature{point, poly}, model)

	p := point.Geometry.(orb.Point)
	assert.InDelta(t, -76.9, p[0], 1e-9)
	assert.InDelta(t, 38.8, p[1], 1e-9)

	ring := poly.Geometry.(orb.Polygon)[0]
	assert.InDelta(t, -77.0, ring[0][0], 1e-9)
	assert.InDelta(t, 39.0, ring[0][1], 1e-9)
	assert.InDelta(t, -76.99, ring[2][0], 1e-9)
	assert.InDelta(t, 38.99, ring[2][1], 1e-9)
}

func TestGeolocateNilModelNoop(t *testing.T) {
	f := geojson.NewFeature(orb.Point{1, 2})
	Geolocate([]*geojson.Feature{f}, nil)
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
}

func TestNMSSuppressesOverlaps(t *testing.T) {
	s := &NMSSelector{IoUThreshold: 0.5}

	// Two near-identical boxes and one disjoint box.
	winner := boxFeature("w", 0.9, 0, 0, 100, 100)
	loser := boxFeature("l", 0.6, 5, 5, 105, 105)
	elsewhere := boxFeature("e", 0.3, 500, 500, 600, 600)

	out := s.Select([]*geojson.Feature{loser, elsewhere, winner})
	require.Len(t, out, 2)

	ids := []string{featureID(out[0]), featureID(out[1])}
	assert.Contains(t, ids, "w")
	assert.Contains(t, ids, "e")
}

func TestNMSDeterministicAcrossOrderings(t *testing.T) {
	mk := func() []*geojson.Feature {
		return []*geojson.Feature{
			boxFeature("a", 0.8, 0, 0, 10, 10),
			boxFeature("b", 0.8, 1, 1, 11, 11),
			boxFeature("c", 0.7, 2, 2, 12, 12),
		}
	}
	s := &NMSSelector{IoUThreshold: 0.5}

	first := s.Select(mk())
	fs := mk()
	fs[0], fs[2] = fs[2], fs[0]
	second := s.Select(fs)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, featureID(first[i]), featureID(second[i]))
	}
	// Equal scores tie-break on id: "a" beats "b".
	assert.Equal(t, "a", featureID(first[0]))
}

func TestNMSPassesThroughUnboxed(t *testing.T) {
	s := &NMSSelector{IoUThreshold: 0.5}
	f := geojson.NewFeature(orb.Point{1, 2})
	f.ID = "no-box"
	out := s.Select([]*geojson.Feature{f, boxFeature("boxed", 0.5, 0, 0, 10, 10)})
	assert.Len(t, out, 2)
}

func TestNewNMSSelectorThreshold(t *testing.T) {
	s := NewNMSSelector([]request.PostProcessing{{
		Step:      request.StepFeatureDistillation,
		Algorithm: request.Algorithm{AlgorithmType: "NMS", IouThreshold: 0.3},
	}})
	assert.InDelta(t, 0.3, s.IoUThreshold, 1e-9)

	assert.InDelta(t, DefaultIoUThreshold, NewNMSSelector(nil).IoUThreshold, 1e-9)
}

func TestIoU(t *testing.T) {
	assert.InDelta(t, 1.0, iou([4]float64{0, 0, 10, 10}, [4]float64{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, iou([4]float64{0, 0, 10, 10}, [4]float64{20, 20, 30, 30}), 1e-9)
	// 10x10 boxes offset by 5: intersection 25, union 175.
	assert.InDelta(t, 25.0/175.0, iou([4]float64{0, 0, 10, 10}, [4]float64{5, 5, 15, 15}), 1e-9)
}
