// Package synthetic is an in-process backend that renders deterministic
// GeoTIFFs for any geoprocess. Importing it registers the "synthetic"
// plugin, so the full pipeline runs without a remote raster service.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/geo"
	"github.com/itsneelabh/geomind/raster"
)

// Name is the plugin name used in backend configuration.
const Name = "synthetic"

func init() {
	dir := os.Getenv("GEOMIND_SYNTHETIC_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "geomind-synthetic")
	}
	if err := backend.Register(Name, New(dir).Execute); err != nil {
		panic(err)
	}
}

// Generator writes rasters of Width pixels across the requested bbox.
type Generator struct {
	Dir   string
	Width int
}

// New creates a generator writing into dir.
func New(dir string) *Generator {
	return &Generator{Dir: dir, Width: 64}
}

// Execute renders the raster for one geoprocess. Without tile_size it
// returns {output_url}; with it, {output_urls, tiling} in row-major order.
func (g *Generator) Execute(ctx context.Context, geoprocess string, params map[string]interface{}) (map[string]interface{}, error) {
	bbox, err := geo.ParseBBox(params[geo.KeyBBox])
	if err != nil {
		return nil, fmt.Errorf("bbox: %w", err)
	}
	crs := "EPSG:4326"
	if p, ok := params[geo.KeyProjection].(string); ok && p != "" && !strings.EqualFold(p, geo.Default) {
		crs = p
	}
	epsg, err := raster.ParseEPSG(crs)
	if err != nil {
		return nil, err
	}

	width := g.Width
	if width < 1 {
		width = 64
	}
	height := int(math.Max(1, math.Round(float64(width)*bbox.Height()/bbox.Width())))
	tileSize := intParam(params[geo.KeyTileSize])

	rows, cols := 1, 1
	if tileSize > 0 {
		cols = (width + tileSize - 1) / tileSize
		rows = (height + tileSize - 1) / tileSize
		width, height = cols*tileSize, rows*tileSize
	}
	if maxTiles := intParam(params[geo.KeyMaxTiles]); tileSize > 0 && maxTiles > 0 && rows*cols > maxTiles {
		return nil, fmt.Errorf("a %dx%d grid exceeds max_tiles=%d", rows, cols, maxTiles)
	}

	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return nil, err
	}
	key, err := fingerprint(geoprocess, params)
	if err != nil {
		return nil, err
	}
	seed := float32(key % 251)
	px := bbox.Width() / float64(width)
	py := bbox.Height() / float64(height)
	bands := bandCount(geoprocess, params)

	render := func(x0, y0, w, h int, path string) error {
		img := raster.New(w, h, bands)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for b := 0; b < bands; b++ {
					img.Set(x, y, b, pixel(x0+x, y0+y, b, seed))
				}
			}
		}
		img.Transform = raster.GeoTransform{px, 0, bbox.MinX() + float64(x0)*px, 0, -py, bbox.MaxY() - float64(y0)*py}
		img.EPSG = epsg
		return raster.WriteFile(path, img, nil)
	}

	stem := fmt.Sprintf("%s_%08x", geo.EndpointName(geoprocess), key)
	if tileSize == 0 {
		path := filepath.Join(g.Dir, stem+".tif")
		if err := render(0, 0, width, height, path); err != nil {
			return nil, err
		}
		return map[string]interface{}{"output_url": path}, nil
	}

	urls := make([]interface{}, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path := filepath.Join(g.Dir, fmt.Sprintf("%s_r%d_c%d.tif", stem, r, c))
			if err := render(c*tileSize, r*tileSize, tileSize, tileSize, path); err != nil {
				return nil, err
			}
			urls = append(urls, path)
		}
	}
	return map[string]interface{}{
		"output_urls": urls,
		"tiling": map[string]interface{}{
			"grid_rows":    rows,
			"grid_cols":    cols,
			"tile_size_px": tileSize,
			"crs":          raster.FormatEPSG(epsg),
			"overall_bbox": bbox.Slice(),
		},
	}, nil
}

// pixel is a smooth pattern that differs per band and per request.
func pixel(x, y, b int, seed float32) float32 {
	return seed + float32(b)*1000 + float32(x) + float32(y)*0.5
}

func bandCount(geoprocess string, params map[string]interface{}) int {
	switch geo.FamilyOf(geoprocess).Bands {
	case geo.BandsRGB:
		return 3
	case geo.BandsPair:
		return 1
	}
	if s, ok := params[geo.KeyBands].(string); ok && s != "" {
		return len(strings.Split(s, ","))
	}
	return 1
}

func fingerprint(geoprocess string, params map[string]interface{}) (uint32, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return 0, err
	}
	h := fnv.New32a()
	h.Write([]byte(geoprocess))
	h.Write(data)
	return h.Sum32(), nil
}

func intParam(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
