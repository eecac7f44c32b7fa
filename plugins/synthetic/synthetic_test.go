package synthetic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/raster"
)

// TestRegistered tests that importing the package registers the plugin
func TestRegistered(t *testing.T) {
	assert.Contains(t, backend.Plugins(), Name)
}

// TestSingleAsset tests a georeferenced single raster
func TestSingleAsset(t *testing.T) {
	g := &Generator{Dir: t.TempDir(), Width: 8}
	out, err := g.Execute(context.Background(), "rgb_single", map[string]interface{}{
		geo.KeyBBox:       []float64{-64, -32, -63, -31.5},
		geo.KeyProjection: "default",
		geo.KeyBands:      "B4,B3,B2",
	})
	require.NoError(t, err)

	path, ok := out["output_url"].(string)
	require.True(t, ok)
	img, err := raster.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 4, img.Height)
	assert.Equal(t, 3, img.Bands)
	assert.Equal(t, 4326, img.EPSG)
	bounds := img.Bounds()
	assert.InDeltaSlice(t, []float64{-64, -32, -63, -31.5}, bounds[:], 1e-9)
}

// TestDeterministic tests that equal requests render equal pixels
func TestDeterministic(t *testing.T) {
	g := &Generator{Dir: t.TempDir(), Width: 4}
	params := map[string]interface{}{geo.KeyBBox: []float64{0, 0, 1, 1}}

	a, err := g.Execute(context.Background(), "ndvi", params)
	require.NoError(t, err)
	b, err := g.Execute(context.Background(), "ndvi", params)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := g.Execute(context.Background(), "ndwi", params)
	require.NoError(t, err)
	assert.NotEqual(t, a["output_url"], c["output_url"])
}

// TestTiled tests row-major tile output through the in-process backend
func TestTiled(t *testing.T) {
	g := &Generator{Dir: t.TempDir(), Width: 8}
	exec := backend.NewInProcessFunc("synthetic-test", g.Execute, nil)

	p, err := geo.Normalize(geo.FamilyOf("ndvi"), map[string]interface{}{
		geo.KeyProduct:  "COPERNICUS/S2_SR_HARMONIZED",
		geo.KeyBBox:     []interface{}{0.0, 0.0, 2.0, 2.0},
		geo.KeyDate:     "2024-01-10",
		geo.KeyTileSize: 4,
	})
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), "ndvi", p)
	require.NoError(t, err)
	tiled, ok := res.(backend.Tiled)
	require.True(t, ok)
	assert.Equal(t, 2, tiled.Tiling.GridRows)
	assert.Equal(t, 2, tiled.Tiling.GridCols)
	assert.Equal(t, "EPSG:4326", tiled.Tiling.CRS)
	require.Len(t, tiled.Tiles, 4)

	last := tiled.Tiles[3]
	assert.Equal(t, 1, last.Row)
	assert.Equal(t, 1, last.Col)
	assert.Equal(t, geo.BBox{1, 0, 2, 1}, last.BBox)

	img, err := raster.ReadFile(last.URL)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Width)
	x, y := img.Transform.Apply(0, 0)
	assert.InDelta(t, 1.0, x, 1e-9)
	assert.InDelta(t, 1.0, y, 1e-9)
}

// TestMaxTiles tests that oversized grids are refused
func TestMaxTiles(t *testing.T) {
	g := &Generator{Dir: t.TempDir(), Width: 8}
	_, err := g.Execute(context.Background(), "ndvi", map[string]interface{}{
		geo.KeyBBox:     []float64{0, 0, 1, 1},
		geo.KeyTileSize: 2,
		geo.KeyMaxTiles: 4,
	})
	assert.ErrorContains(t, err, "max_tiles=4")
}
