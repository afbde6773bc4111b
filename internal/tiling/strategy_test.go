package tiling

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeTiles_OverlapGrid(t *testing.T) {
	s := NewVariableOverlapStrategy()

	region := Bounds{Row: 0, Col: 0, Width: 1024, Height: 1024}
	tiles := s.ComputeTiles(region, Dims{512, 512}, Dims{128, 128})

	// Stride 384: columns start at 0, 384, 768; same for rows.
	require.Len(t, tiles, 9)
	assert.Equal(t, Bounds{Row: 0, Col: 0, Width: 512, Height: 512}, tiles[0])
	assert.Equal(t, Bounds{Row: 0, Col: 384, Width: 512, Height: 512}, tiles[1])
	assert.Equal(t, Bounds{Row: 0, Col: 768, Width: 256, Height: 512}, tiles[2])
	assert.Equal(t, Bounds{Row: 768, Col: 768, Width: 256, Height: 256}, tiles[8])

	// Every pixel of the region is covered.
	for _, tile := range tiles {
		assert.False(t, tile.Empty())
		assert.LessOrEqual(t, tile.MaxRow(), region.MaxRow())
		assert.LessOrEqual(t, tile.MaxCol(), region.MaxCol())
	}
}

func TestComputeTiles_SingleTileImage(t *testing.T) {
	s := NewVariableOverlapStrategy()

	tiles := s.ComputeTiles(Bounds{Width: 300, Height: 200}, Dims{512, 512}, Dims{32, 32})
	require.Len(t, tiles, 1)
	assert.Equal(t, Bounds{Width: 300, Height: 200}, tiles[0])
}

func TestComputeTiles_EmptyRegion(t *testing.T) {
	s := NewVariableOverlapStrategy()
	assert.Empty(t, s.ComputeTiles(Bounds{}, Dims{512, 512}, Dims{0, 0}))
}

func TestComputeRegions_ClampsToTileSize(t *testing.T) {
	s := NewVariableOverlapStrategy()

	// Region size smaller than tile size is widened so each region holds a
	// full tile.
	regions := s.ComputeRegions(Bounds{Width: 1000, Height: 1000}, Dims{256, 256}, Dims{512, 512}, Dims{0, 0})
	for _, r := range regions {
		assert.GreaterOrEqual(t, r.Width, min(512, 1000-r.Col))
	}
}

func TestComputeRegions_RowMajorOrder(t *testing.T) {
	s := NewVariableOverlapStrategy()

	regions := s.ComputeRegions(Bounds{Width: 2048, Height: 2048}, Dims{1024, 1024}, Dims{512, 512}, Dims{0, 0})
	require.Len(t, regions, 4)
	assert.Equal(t, Bounds{Row: 0, Col: 0, Width: 1024, Height: 1024}, regions[0])
	assert.Equal(t, Bounds{Row: 0, Col: 1024, Width: 1024, Height: 1024}, regions[1])
	assert.Equal(t, Bounds{Row: 1024, Col: 0, Width: 1024, Height: 1024}, regions[2])
}

func TestBounds_Intersect(t *testing.T) {
	a := Bounds{Row: 0, Col: 0, Width: 100, Height: 100}
	b := Bounds{Row: 50, Col: 50, Width: 100, Height: 100}

	got := a.Intersect(b)
	assert.Equal(t, Bounds{Row: 50, Col: 50, Width: 50, Height: 50}, got)

	disjoint := a.Intersect(Bounds{Row: 1000, Col: 1000, Width: 10, Height: 10})
	assert.True(t, disjoint.Empty())
}

func TestParseBounds_RoundTrip(t *testing.T) {
	b := Bounds{Row: 768, Col: 384, Width: 512, Height: 256}
	got, err := ParseBounds(b.String())
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = ParseBounds("nonsense")
	assert.Error(t, err)
}

// pickFirst keeps only the first candidate, which makes selector routing
// observable in tests.
type pickFirst struct{}

func (pickFirst) Select(features []*geojson.Feature) []*geojson.Feature {
	if len(features) == 0 {
		return nil
	}
	return features[:1]
}

func pointFeature(id string, col, row float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{col, row})
	f.ID = id
	SetImageBBox(f, col-5, row-5, col+5, row+5)
	return f
}

func TestCleanupDuplicateFeatures_InteriorPassesThrough(t *testing.T) {
	s := NewVariableOverlapStrategy()
	processing := Bounds{Width: 4096, Height: 4096}

	// Tile 512/overlap 128 means stride 384; (200, 200) is inside the first
	// tile and outside every band.
	interior := pointFeature("a", 200, 200)
	// (390, 200) falls in the column band [384, 512).
	seam1 := pointFeature("b", 390, 200)
	seam2 := pointFeature("c", 395, 200)

	got := s.CleanupDuplicateFeatures(processing, Dims{2048, 2048}, Dims{512, 512}, Dims{128, 128},
		[]*geojson.Feature{interior, seam1, seam2}, pickFirst{})

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestCleanupDuplicateFeatures_NilSelector(t *testing.T) {
	s := NewVariableOverlapStrategy()
	features := []*geojson.Feature{pointFeature("a", 390, 200)}

	got := s.CleanupDuplicateFeatures(Bounds{Width: 1024, Height: 1024},
		Dims{1024, 1024}, Dims{512, 512}, Dims{128, 128}, features, nil)
	assert.Equal(t, features, got)
}

func TestImageBBox_RoundTrip(t *testing.T) {
	f := geojson.NewFeature(orb.Point{1, 2})
	SetImageBBox(f, 10, 20, 30, 40)

	box, ok := ImageBBox(f)
	require.True(t, ok)
	assert.Equal(t, [4]float64{10, 20, 30, 40}, box)

	// After a JSON round trip the property decodes as []any.
	f.Properties["imageBBox"] = []any{10.0, 20.0, 30.0, 40.0}
	box, ok = ImageBBox(f)
	require.True(t, ok)
	assert.Equal(t, [4]float64{10, 20, 30, 40}, box)

	_, ok = ImageBBox(geojson.NewFeature(orb.Point{}))
	assert.False(t, ok)
}
