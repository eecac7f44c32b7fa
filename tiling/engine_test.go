package tiling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/core"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/raster"
)

const tilePx = 4

// fakeFetcher serves tiles from memory. gate runs before each fetch.
type fakeFetcher struct {
	files map[string][]byte
	fail  map[string]error
	gate  func(ctx context.Context, location string) error
	calls atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, location string, w io.Writer) error {
	f.calls.Add(1)
	if f.gate != nil {
		if err := f.gate(ctx, location); err != nil {
			return err
		}
	}
	if err, ok := f.fail[location]; ok {
		return err
	}
	data, ok := f.files[location]
	if !ok {
		return fmt.Errorf("%s: not found", location)
	}
	_, err := w.Write(data)
	return err
}

func tileValue(row, col, x, y int) float32 {
	return float32(row*1000 + col*100 + y*tilePx + x)
}

func tileURL(row, col int) string {
	return fmt.Sprintf("https://tiles.example/t_%d_%d.tif", row, col)
}

// grid builds a rows x cols tiled result over [0,0,cols,rows] with one
// map unit per tile.
func grid(t *testing.T, rows, cols int) (backend.Tiled, map[string][]byte) {
	t.Helper()
	res := backend.Tiled{Tiling: backend.TilingMetadata{
		GridRows:    rows,
		GridCols:    cols,
		TileSizePx:  tilePx,
		CRS:         "EPSG:4326",
		OverallBBox: geo.BBox{0, 0, float64(cols), float64(rows)},
	}}
	files := make(map[string][]byte)
	step := 1.0 / tilePx
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img := raster.New(tilePx, tilePx, 1)
			for y := 0; y < tilePx; y++ {
				for x := 0; x < tilePx; x++ {
					img.Set(x, y, 0, tileValue(r, c, x, y))
				}
			}
			top := float64(rows - r)
			img.Transform = raster.GeoTransform{step, 0, float64(c), 0, -step, top}
			img.EPSG = 4326
			var buf bytes.Buffer
			require.NoError(t, raster.Encode(&buf, img, nil))
			files[tileURL(r, c)] = buf.Bytes()

			res.Tiles = append(res.Tiles, backend.TileDescriptor{
				Row:       r,
				Col:       c,
				BBox:      geo.BBox{float64(c), top - 1, float64(c + 1), top},
				Transform: backend.Affine{step, 0, float64(c), 0, -step, top},
				URL:       tileURL(r, c),
			})
		}
	}
	return res, files
}

func newTestEngine(t *testing.T, f Fetcher, maxTiles int) *Engine {
	t.Helper()
	return NewEngine(core.TilingConfig{
		MaxTiles:  maxTiles,
		Workers:   4,
		OutputDir: t.TempDir(),
	}, WithFetcher(f))
}

func entries(t *testing.T, dir string) []string {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name())
	}
	return names
}

// TestMaterializeTiledGrid tests a 2x2 mosaic lands every tile by (row, col)
func TestMaterializeTiledGrid(t *testing.T) {
	defer goleak.VerifyNone(t)

	res, files := grid(t, 2, 2)
	f := &fakeFetcher{files: files}
	e := newTestEngine(t, f, 4)

	art, err := e.Materialize(context.Background(), res, "rgb_cordoba", "gee_output_rgb_cordoba")
	require.NoError(t, err)

	assert.Equal(t, int32(4), f.calls.Load())
	assert.Equal(t, res.Tiling.OverallBBox, art.BBox)
	assert.Equal(t, "EPSG:4326", art.CRS)
	assert.Equal(t, 4, art.Tiles)
	assert.Equal(t, filepath.Join(e.OutputDir(), "gee_output_rgb_cordoba.tif"), art.Location)
	assert.Equal(t, []string{"gee_output_rgb_cordoba.tif"}, entries(t, e.OutputDir()), "scratch tiles are removed")

	img, err := raster.ReadFile(art.Location)
	require.NoError(t, err)
	assert.Equal(t, 2*tilePx, img.Width)
	assert.Equal(t, 2*tilePx, img.Height)
	assert.Equal(t, 4326, img.EPSG)
	assert.Equal(t, [4]float64(res.Tiling.OverallBBox), img.Bounds())
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			want := tileValue(y/tilePx, x/tilePx, x%tilePx, y%tilePx)
			require.Equal(t, want, img.At(x, y, 0), "pixel (%d,%d)", x, y)
		}
	}
}

// TestMaterializeCompletionOrder tests that download order never changes the output
func TestMaterializeCompletionOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	res, files := grid(t, 2, 2)
	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}, {1, 3, 0, 2}}

	var outputs [][]byte
	for _, order := range orders {
		delays := make(map[string]time.Duration)
		for rank, idx := range order {
			delays[res.Tiles[idx].URL] = time.Duration(rank) * 5 * time.Millisecond
		}
		f := &fakeFetcher{files: files, gate: func(ctx context.Context, loc string) error {
			select {
			case <-time.After(delays[loc]):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
		e := newTestEngine(t, f, 0)

		art, err := e.Materialize(context.Background(), res, "out", "out")
		require.NoError(t, err)
		data, err := os.ReadFile(art.Location)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}

	for i := 1; i < len(outputs); i++ {
		assert.True(t, bytes.Equal(outputs[0], outputs[i]), "order %v produced a different mosaic", orders[i])
	}
}

// TestMaterializeTileCap tests the max_tiles boundary and that refusal happens before download
func TestMaterializeTileCap(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("equal to cap", func(t *testing.T) {
		res, files := grid(t, 2, 2)
		f := &fakeFetcher{files: files}
		_, err := newTestEngine(t, f, 4).Materialize(context.Background(), res, "out", "out")
		require.NoError(t, err)
	})

	t.Run("one over cap", func(t *testing.T) {
		res, files := grid(t, 1, 5)
		f := &fakeFetcher{files: files}
		e := newTestEngine(t, f, 4)

		_, err := e.Materialize(context.Background(), res, "out", "out")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrTooManyTiles)
		var tm *TooManyTilesError
		require.True(t, errors.As(err, &tm))
		assert.Equal(t, 4, tm.Max)
		assert.Equal(t, int32(0), f.calls.Load(), "no tile may be fetched")
		assert.Empty(t, entries(t, e.OutputDir()))
	})
}

// TestMaterializeTileFailure tests that one failed tile fails the action without a partial mosaic
func TestMaterializeTileFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	res, files := grid(t, 2, 2)
	cause := errors.New("503 Service Unavailable")
	f := &fakeFetcher{files: files, fail: map[string]error{tileURL(1, 1): cause}}
	e := newTestEngine(t, f, 4)

	art, err := e.Materialize(context.Background(), res, "out", "out")
	assert.Nil(t, art)

	var tde *TileDownloadError
	require.True(t, errors.As(err, &tde), "got %v", err)
	assert.Equal(t, 1, tde.Row)
	assert.Equal(t, 1, tde.Col)
	assert.ErrorIs(t, err, core.ErrTileDownload)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, entries(t, e.OutputDir()))
}

// TestMaterializeCorruptTile tests that an undecodable tile counts as a download failure
func TestMaterializeCorruptTile(t *testing.T) {
	res, files := grid(t, 1, 2)
	files[tileURL(0, 1)] = []byte("<html>expired token</html>")
	_, err := newTestEngine(t, &fakeFetcher{files: files}, 0).Materialize(context.Background(), res, "out", "out")

	var tde *TileDownloadError
	require.True(t, errors.As(err, &tde))
	assert.Equal(t, 1, tde.Col)
	assert.ErrorIs(t, err, core.ErrUnsupportedRaster)
}

// TestMaterializeCancelled tests that cancellation mid-download writes nothing
func TestMaterializeCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	res, files := grid(t, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{files: files, gate: func(gctx context.Context, loc string) error {
		if loc == tileURL(1, 1) {
			cancel()
			<-gctx.Done()
			return gctx.Err()
		}
		return nil
	}}
	e := newTestEngine(t, f, 0)

	_, err := e.Materialize(ctx, res, "out", "out")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, entries(t, e.OutputDir()))
}

// TestValidateGrid tests the declared grid against its descriptors
func TestValidateGrid(t *testing.T) {
	base, _ := grid(t, 2, 2)
	clone := func() []backend.TileDescriptor {
		return append([]backend.TileDescriptor(nil), base.Tiles...)
	}

	tests := []struct {
		name   string
		meta   func(m *backend.TilingMetadata)
		tiles  func() []backend.TileDescriptor
		reason string
	}{
		{"valid", nil, clone, ""},
		{"missing tile", nil, func() []backend.TileDescriptor { return clone()[:3] }, "declares 4 tiles"},
		{"duplicate", nil, func() []backend.TileDescriptor {
			ts := clone()
			ts[3].Row, ts[3].Col = 0, 0
			return ts
		}, "more than once"},
		{"out of range", nil, func() []backend.TileDescriptor {
			ts := clone()
			ts[3].Col = 2
			return ts
		}, "outside"},
		{"no url", nil, func() []backend.TileDescriptor {
			ts := clone()
			ts[0].URL = ""
			return ts
		}, "no url"},
		{"empty grid", func(m *backend.TilingMetadata) { m.GridRows = 0 }, clone, "no cells"},
		{"empty bbox", func(m *backend.TilingMetadata) { m.OverallBBox = geo.BBox{1, 1, 1, 1} }, clone, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := base.Tiling
			if tt.meta != nil {
				tt.meta(&meta)
			}
			err := ValidateGrid(meta, tt.tiles())
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, core.ErrInconsistentTileGrid)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

// TestMosaicRejectsMismatchedPixels tests that tiles are never resampled
func TestMosaicRejectsMismatchedPixels(t *testing.T) {
	res, files := grid(t, 1, 2)
	res.Tiles[1].Transform[0] = 0.5
	_, err := newTestEngine(t, &fakeFetcher{files: files}, 0).Materialize(context.Background(), res, "out", "out")
	assert.ErrorIs(t, err, core.ErrInconsistentTileGrid)
}

// TestMosaicPlacement tests that every tile must fill its own cell exactly once
func TestMosaicPlacement(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(res *backend.Tiled)
		reason string
	}{
		{"two tiles on one cell", func(res *backend.Tiled) {
			res.Tiles[1].Transform = res.Tiles[0].Transform
		}, "overlaps"},
		{"columns swapped", func(res *backend.Tiled) {
			res.Tiles[0].Transform, res.Tiles[1].Transform = res.Tiles[1].Transform, res.Tiles[0].Transform
			res.Tiles[2].Transform, res.Tiles[3].Transform = res.Tiles[3].Transform, res.Tiles[2].Transform
		}, "not after"},
		{"row misaligned", func(res *backend.Tiled) {
			res.Tiles[3].Transform[2] = 0.5
		}, "column offset"},
		{"gap in coverage", func(res *backend.Tiled) {
			res.Tiles[1].Transform[2] = 2
			res.Tiles[3].Transform[2] = 2
		}, "no tile covers"},
		{"bbox larger than the tiles", func(res *backend.Tiled) {
			res.Tiling.OverallBBox = geo.BBox{0, 0, 3, 2}
		}, "tiles hold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, files := grid(t, 2, 2)
			tt.mutate(&res)
			e := newTestEngine(t, &fakeFetcher{files: files}, 0)

			art, err := e.Materialize(context.Background(), res, "out", "out")
			assert.Nil(t, art)
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInconsistentTileGrid)
			assert.Contains(t, err.Error(), tt.reason)
			assert.NotContains(t, entries(t, e.OutputDir()), "out.tif")
		})
	}
}

// TestMaterializeNegativeGrid tests that a nonsensical grid is inconsistent, not oversized
func TestMaterializeNegativeGrid(t *testing.T) {
	res, files := grid(t, 2, 3)
	res.Tiling.GridRows, res.Tiling.GridCols = -2, -3
	f := &fakeFetcher{files: files}

	_, err := newTestEngine(t, f, 4).Materialize(context.Background(), res, "out", "out")
	assert.ErrorIs(t, err, core.ErrInconsistentTileGrid)
	assert.NotErrorIs(t, err, core.ErrTooManyTiles)
	assert.Equal(t, int32(0), f.calls.Load())
}

// TestMaterializeOverHTTP tests the default fetcher against a tile server
func TestMaterializeOverHTTP(t *testing.T) {
	res, files := grid(t, 1, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for loc, data := range files {
			if filepath.Base(loc) == filepath.Base(r.URL.Path) {
				w.Write(data)
				return
			}
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	for i := range res.Tiles {
		res.Tiles[i].URL = srv.URL + "/" + filepath.Base(res.Tiles[i].URL) + "?token=abc"
	}
	e := NewEngine(core.TilingConfig{Workers: 2, OutputDir: t.TempDir(), DownloadTimeout: 5 * time.Second})

	art, err := e.Materialize(context.Background(), res, "out", "out")
	require.NoError(t, err)
	assert.Equal(t, 2*tilePx, art.Width)

	res.Tiles[0].URL = srv.URL + "/missing.tif"
	_, err = e.Materialize(context.Background(), res, "out", "out2")
	var tde *TileDownloadError
	require.True(t, errors.As(err, &tde))
	assert.Contains(t, err.Error(), "404")
}

// TestMaterializeSingleAsset tests local references and remote downloads
func TestMaterializeSingleAsset(t *testing.T) {
	img := raster.New(10, 5, 3)
	img.Transform = raster.GeoTransform{0.01, 0, -64.3, 0, -0.01, -31.3}
	img.EPSG = 4326
	var buf bytes.Buffer
	require.NoError(t, raster.Encode(&buf, img, nil))

	t.Run("local path", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "plugin_out.tif")
		require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

		e := newTestEngine(t, NewHTTPFetcher(time.Second), 0)
		art, err := e.Materialize(context.Background(), backend.SingleAsset{Location: p, Format: "geotiff"}, "ndvi", "x")
		require.NoError(t, err)
		assert.Equal(t, p, art.Location)
		assert.Equal(t, "EPSG:4326", art.CRS)
		assert.InDelta(t, -64.3, art.BBox.MinX(), 1e-9)
		assert.InDelta(t, -31.35, art.BBox.MinY(), 1e-9)
		assert.Equal(t, 3, art.Bands)
	})

	t.Run("remote", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(buf.Bytes())
		}))
		defer srv.Close()

		e := NewEngine(core.TilingConfig{OutputDir: t.TempDir()})
		art, err := e.Materialize(context.Background(),
			backend.SingleAsset{Location: srv.URL + "/download?id=1", Format: "geotiff"}, "ndvi", "gee_output_ndvi")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(e.OutputDir(), "gee_output_ndvi.tif"), art.Location)
		assert.Equal(t, 10, art.Width)
	})

	t.Run("missing local file", func(t *testing.T) {
		e := newTestEngine(t, NewHTTPFetcher(time.Second), 0)
		_, err := e.Materialize(context.Background(),
			backend.SingleAsset{Location: "/nonexistent/out.tif", Format: "geotiff"}, "x", "x")
		assert.Error(t, err)
	})
}
