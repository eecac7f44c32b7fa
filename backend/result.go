// Package backend dispatches a geoprocess to the single active raster
// backend and normalizes what it returns into an ExecutionResult.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itsneelabh/geomind/geo"
)

// Executor runs one geoprocess. Implementations do not retry.
type Executor interface {
	Execute(ctx context.Context, geoprocess string, params geo.Params) (ExecutionResult, error)
	Name() string
}

// ExecutionResult is either Tiled or SingleAsset.
type ExecutionResult interface {
	isResult()
}

// SingleAsset is one raster at a URL or local path.
type SingleAsset struct {
	Location string
	Format   string
}

// Tiled is a grid of raster tiles that must be mosaicked.
type Tiled struct {
	Tiling TilingMetadata
	Tiles  []TileDescriptor
}

func (SingleAsset) isResult() {}
func (Tiled) isResult()       {}

// TilingMetadata describes the grid as declared by the backend.
type TilingMetadata struct {
	GridRows    int      `json:"grid_rows"`
	GridCols    int      `json:"grid_cols"`
	TileSizePx  int      `json:"tile_size_px"`
	CRS         string   `json:"crs"`
	OverallBBox geo.BBox `json:"overall_bbox"`
}

// Affine is a 6-coefficient transform [xScale, xShear, xOrigin, yShear, yScale, yOrigin]
// mapping pixel (col, row) to x = xScale*col + xShear*row + xOrigin and
// y = yShear*col + yScale*row + yOrigin.
type Affine [6]float64

// IsZero reports whether no transform was supplied.
func (a Affine) IsZero() bool {
	return a == Affine{}
}

// TileDescriptor addresses one tile by grid position.
type TileDescriptor struct {
	Row       int      `json:"row"`
	Col       int      `json:"col"`
	BBox      geo.BBox `json:"bbox_in_target_crs"`
	Transform Affine   `json:"crs_transform"`
	URL       string   `json:"url"`
}

// UnmarshalJSON also accepts the short "bbox" key when bbox_in_target_crs
// is absent.
func (t *TileDescriptor) UnmarshalJSON(data []byte) error {
	type plain TileDescriptor
	var raw struct {
		plain
		ShortBBox *geo.BBox `json:"bbox"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*t = TileDescriptor(raw.plain)
	if t.BBox == (geo.BBox{}) && raw.ShortBBox != nil {
		t.BBox = *raw.ShortBBox
	}
	return nil
}

// wireResult is the union of every success shape a backend may produce:
// remote {tiling, tiles, url|tif_url|result} and in-process
// {output_url | output_urls, tiling}.
type wireResult struct {
	Tiling     *TilingMetadata  `json:"tiling"`
	Tiles      []TileDescriptor `json:"tiles"`
	URL        string           `json:"url"`
	TifURL     string           `json:"tif_url"`
	Result     string           `json:"result"`
	OutputURL  string           `json:"output_url"`
	OutputURLs []string         `json:"output_urls"`
	Format     string           `json:"format"`
}

func decodeResult(data []byte) (ExecutionResult, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("undecodable result: %v", err)
	}
	return w.toResult()
}

func (w wireResult) toResult() (ExecutionResult, error) {
	single := firstNonEmpty(w.URL, w.TifURL, w.Result, w.OutputURL)
	tiled := len(w.Tiles) > 0 || len(w.OutputURLs) > 0

	switch {
	case single != "" && tiled:
		return nil, fmt.Errorf("result declares both a single asset and tiles")
	case single != "":
		return SingleAsset{Location: single, Format: formatOf(w.Format, single)}, nil
	case !tiled:
		return nil, fmt.Errorf("result declares neither a single asset nor tiles")
	case w.Tiling == nil:
		return nil, fmt.Errorf("tiled result without tiling metadata")
	case len(w.Tiles) > 0:
		return Tiled{Tiling: *w.Tiling, Tiles: w.Tiles}, nil
	default:
		return Tiled{Tiling: *w.Tiling, Tiles: LayoutRowMajor(*w.Tiling, w.OutputURLs)}, nil
	}
}

// LayoutRowMajor assigns bare tile URLs to grid cells in row-major order,
// partitioning the overall bbox evenly. When the tile size is known the
// per-tile transform is filled as well.
func LayoutRowMajor(t TilingMetadata, urls []string) []TileDescriptor {
	tiles := make([]TileDescriptor, len(urls))
	cols := t.GridCols
	if cols < 1 {
		cols = 1
	}
	rows := t.GridRows
	if rows < 1 {
		rows = 1
	}
	w := t.OverallBBox.Width() / float64(cols)
	h := t.OverallBBox.Height() / float64(rows)

	for i, u := range urls {
		r, c := i/cols, i%cols
		x0 := t.OverallBBox.MinX() + float64(c)*w
		y1 := t.OverallBBox.MaxY() - float64(r)*h
		td := TileDescriptor{
			Row:  r,
			Col:  c,
			BBox: geo.BBox{x0, y1 - h, x0 + w, y1},
			URL:  u,
		}
		if t.TileSizePx > 0 {
			td.Transform = Affine{w / float64(t.TileSizePx), 0, x0, 0, -h / float64(t.TileSizePx), y1}
		}
		tiles[i] = td
	}
	return tiles
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatOf(declared, location string) string {
	if declared != "" {
		return strings.ToLower(declared)
	}
	lower := strings.ToLower(location)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "jpeg"
	default:
		return "geotiff"
	}
}
