package tiling

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/itsneelabh/geomind/backend"
	"github.com/itsneelabh/geomind/raster"
)

const alignTolerance = 1e-3

type cell struct{ row, col int }

type placedTile struct {
	desc backend.TileDescriptor
	img  *raster.Raster
}

// TileSet collects decoded tiles keyed by grid position. It is safe for
// concurrent use.
type TileSet struct {
	mu    sync.Mutex
	tiles map[cell]placedTile
}

func newTileSet(n int) *TileSet {
	return &TileSet{tiles: make(map[cell]placedTile, n)}
}

func (s *TileSet) put(d backend.TileDescriptor, img *raster.Raster) {
	s.mu.Lock()
	s.tiles[cell{d.Row, d.Col}] = placedTile{desc: d, img: img}
	s.mu.Unlock()
}

// Len returns the number of tiles collected so far.
func (s *TileSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tiles)
}

// ordered returns tiles in row-major grid order.
func (s *TileSet) ordered() []placedTile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]placedTile, 0, len(s.tiles))
	for _, p := range s.tiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].desc.Row != out[j].desc.Row {
			return out[i].desc.Row < out[j].desc.Row
		}
		return out[i].desc.Col < out[j].desc.Col
	})
	return out
}

// ValidateGrid checks that tiles cover a rows x cols grid exactly once.
func ValidateGrid(t backend.TilingMetadata, tiles []backend.TileDescriptor) error {
	if t.GridRows < 1 || t.GridCols < 1 {
		return gridError("grid %dx%d has no cells", t.GridRows, t.GridCols)
	}
	if want := t.GridRows * t.GridCols; len(tiles) != want {
		return gridError("grid %dx%d declares %d tiles, backend returned %d", t.GridRows, t.GridCols, want, len(tiles))
	}
	if !t.OverallBBox.Valid() {
		return gridError("overall bbox [%s] is empty", t.OverallBBox)
	}
	seen := make(map[cell]bool, len(tiles))
	for _, td := range tiles {
		c := cell{td.Row, td.Col}
		if td.Row < 0 || td.Row >= t.GridRows || td.Col < 0 || td.Col >= t.GridCols {
			return gridError("tile (%d,%d) lies outside the %dx%d grid", td.Row, td.Col, t.GridRows, t.GridCols)
		}
		if seen[c] {
			return gridError("tile (%d,%d) appears more than once", td.Row, td.Col)
		}
		if strings.TrimSpace(td.URL) == "" {
			return gridError("tile (%d,%d) has no url", td.Row, td.Col)
		}
		seen[c] = true
	}
	return nil
}

// tileTransform picks the tile's placement: the declared transform, else the
// one embedded in the file, else one derived from the declared bbox.
func tileTransform(p placedTile) (raster.GeoTransform, error) {
	var t raster.GeoTransform
	switch {
	case !p.desc.Transform.IsZero():
		t = raster.GeoTransform(p.desc.Transform)
	case !p.img.Transform.IsZero():
		t = p.img.Transform
	case p.desc.BBox.Valid():
		b := p.desc.BBox
		t = raster.GeoTransform{b.Width() / float64(p.img.Width), 0, b.MinX(), 0, -b.Height() / float64(p.img.Height), b.MaxY()}
	default:
		return t, gridError("tile (%d,%d) has neither a transform nor a bbox", p.desc.Row, p.desc.Col)
	}
	if t.Rotated() {
		return t, gridError("tile (%d,%d) has a rotated transform", p.desc.Row, p.desc.Col)
	}
	if t[0] <= 0 || t[4] >= 0 {
		return t, gridError("tile (%d,%d) is not north-up (pixel size %g x %g)", p.desc.Row, p.desc.Col, t[0], t[4])
	}
	return t, nil
}

func sameSize(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}

// mosaic pastes every tile into one raster spanning the overall bbox. Tiles
// must share pixel size and band count and sit on whole-pixel offsets;
// nothing is resampled.
func mosaic(meta backend.TilingMetadata, set *TileSet) (*raster.Raster, error) {
	tiles := set.ordered()
	if len(tiles) == 0 {
		return nil, gridError("no tiles to mosaic")
	}

	transforms := make([]raster.GeoTransform, len(tiles))
	for i, p := range tiles {
		t, err := tileTransform(p)
		if err != nil {
			return nil, err
		}
		transforms[i] = t
	}

	ref := transforms[0]
	bands := tiles[0].img.Bands
	px, py := ref[0], -ref[4]
	for i, t := range transforms[1:] {
		p := tiles[i+1]
		if !sameSize(t[0], px) || !sameSize(-t[4], py) {
			return nil, gridError("tile (%d,%d) pixel size %gx%g differs from %gx%g",
				p.desc.Row, p.desc.Col, t[0], -t[4], px, py)
		}
		if p.img.Bands != bands {
			return nil, gridError("tile (%d,%d) has %d bands, expected %d", p.desc.Row, p.desc.Col, p.img.Bands, bands)
		}
	}

	bbox := meta.OverallBBox
	fw, fh := math.Round(bbox.Width()/px), math.Round(bbox.Height()/py)
	if fw < 1 || fh < 1 {
		return nil, gridError("overall bbox [%s] is smaller than one pixel", bbox)
	}
	held := 0
	for _, p := range tiles {
		held += p.img.Width * p.img.Height
	}
	if fw*fh > float64(held) {
		return nil, gridError("overall bbox [%s] needs %.0fx%.0f pixels, tiles hold %d", bbox, fw, fh, held)
	}
	width, height := int(fw), int(fh)

	out := raster.New(width, height, bands)
	out.Transform = raster.GeoTransform{px, 0, bbox.MinX(), 0, -py, bbox.MaxY()}
	out.EPSG, _ = raster.ParseEPSG(meta.CRS)
	for _, p := range tiles {
		if p.img.NoData != nil {
			nd := *p.img.NoData
			out.NoData = &nd
			out.Fill(float32(nd))
			break
		}
	}

	covered := make([]bool, width*height)
	colOff := make(map[int]int, meta.GridCols)
	rowOff := make(map[int]int, meta.GridRows)
	for i, p := range tiles {
		t := transforms[i]
		fx := (t[2] - bbox.MinX()) / px
		fy := (bbox.MaxY() - t[5]) / py
		xoff, yoff := int(math.Round(fx)), int(math.Round(fy))
		if math.Abs(fx-float64(xoff)) > alignTolerance || math.Abs(fy-float64(yoff)) > alignTolerance {
			return nil, gridError("tile (%d,%d) is not aligned to the output pixel grid", p.desc.Row, p.desc.Col)
		}
		if err := checkCell(colOff, p.desc.Col, xoff, "column", p.desc); err != nil {
			return nil, err
		}
		if err := checkCell(rowOff, p.desc.Row, yoff, "row", p.desc); err != nil {
			return nil, err
		}
		for y := 0; y < p.img.Height; y++ {
			oy := yoff + y
			if oy < 0 || oy >= height {
				continue
			}
			for x := 0; x < p.img.Width; x++ {
				ox := xoff + x
				if ox < 0 || ox >= width {
					continue
				}
				if covered[oy*width+ox] {
					return nil, gridError("tile (%d,%d) overlaps another tile at pixel (%d,%d)", p.desc.Row, p.desc.Col, ox, oy)
				}
				covered[oy*width+ox] = true
				for b := 0; b < bands; b++ {
					out.Set(ox, oy, b, p.img.At(x, y, b))
				}
			}
		}
	}
	if err := checkOrder(colOff, "column"); err != nil {
		return nil, err
	}
	if err := checkOrder(rowOff, "row"); err != nil {
		return nil, err
	}
	for i, ok := range covered {
		if !ok {
			return nil, gridError("no tile covers output pixel (%d,%d)", i%width, i/width)
		}
	}
	return out, nil
}

// checkCell requires every tile in one grid column (or row) to start at the
// same pixel offset.
func checkCell(offsets map[int]int, index, off int, axis string, d backend.TileDescriptor) error {
	want, ok := offsets[index]
	if !ok {
		offsets[index] = off
		return nil
	}
	if want != off {
		return gridError("tile (%d,%d) starts at %s offset %d, other tiles of %s %d start at %d",
			d.Row, d.Col, axis, off, axis, index, want)
	}
	return nil
}

// checkOrder requires offsets to increase with the grid index.
func checkOrder(offsets map[int]int, axis string) error {
	idx := make([]int, 0, len(offsets))
	for i := range offsets {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for k := 1; k < len(idx); k++ {
		if offsets[idx[k]] <= offsets[idx[k-1]] {
			return gridError("%s %d starts at offset %d, not after %s %d at %d",
				axis, idx[k], offsets[idx[k]], axis, idx[k-1], offsets[idx[k-1]])
		}
	}
	return nil
}
