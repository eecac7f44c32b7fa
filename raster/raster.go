// Package raster holds an in-memory georeferenced raster and a GeoTIFF
// codec for the subset of the format produced by raster backends: strip or
// tile layout, chunky or planar samples, no/LZW/deflate compression and
// integer or floating point samples.
package raster

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/itsneelabh/geomind/core"
)

// GeoTransform maps pixel (col, row) to map coordinates:
// x = t[0]*col + t[1]*row + t[2], y = t[3]*col + t[4]*row + t[5].
type GeoTransform [6]float64

func (g GeoTransform) IsZero() bool { return g == GeoTransform{} }

// Apply returns the map coordinate of the pixel corner (col, row).
func (g GeoTransform) Apply(col, row float64) (x, y float64) {
	return g[0]*col + g[1]*row + g[2], g[3]*col + g[4]*row + g[5]
}

// Rotated reports whether the transform has shear terms.
func (g GeoTransform) Rotated() bool { return g[1] != 0 || g[3] != 0 }

// Raster is a pixel-interleaved float32 image: sample b of pixel (x, y) is
// Pix[(y*Width+x)*Bands+b].
type Raster struct {
	Width     int
	Height    int
	Bands     int
	Pix       []float32
	Transform GeoTransform
	EPSG      int
	NoData    *float64
}

// MaxSamples bounds width*height*bands for a decoded raster (1 GiB of float32).
const MaxSamples = 1 << 28

// Fits reports whether a raster of the given shape stays within MaxSamples.
func Fits(width, height, bands int) bool {
	if width <= 0 || height <= 0 || bands <= 0 {
		return false
	}
	return width <= MaxSamples/height/bands
}

// New allocates a zeroed raster.
func New(width, height, bands int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Bands:  bands,
		Pix:    make([]float32, width*height*bands),
	}
}

func (r *Raster) offset(x, y, b int) int { return (y*r.Width+x)*r.Bands + b }

func (r *Raster) At(x, y, b int) float32 { return r.Pix[r.offset(x, y, b)] }

func (r *Raster) Set(x, y, b int, v float32) { r.Pix[r.offset(x, y, b)] = v }

// Fill sets every sample to v.
func (r *Raster) Fill(v float32) {
	for i := range r.Pix {
		r.Pix[i] = v
	}
}

// Bounds returns [minx, miny, maxx, maxy] of the pixel-corner envelope.
func (r *Raster) Bounds() [4]float64 {
	corners := [4][2]float64{}
	corners[0][0], corners[0][1] = r.Transform.Apply(0, 0)
	corners[1][0], corners[1][1] = r.Transform.Apply(float64(r.Width), 0)
	corners[2][0], corners[2][1] = r.Transform.Apply(0, float64(r.Height))
	corners[3][0], corners[3][1] = r.Transform.Apply(float64(r.Width), float64(r.Height))
	b := [4]float64{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, c := range corners {
		b[0] = math.Min(b[0], c[0])
		b[1] = math.Min(b[1], c[1])
		b[2] = math.Max(b[2], c[0])
		b[3] = math.Max(b[3], c[1])
	}
	return b
}

// ParseEPSG extracts the numeric code from "EPSG:4326" or "4326".
// An empty string yields 0.
func ParseEPSG(crs string) (int, error) {
	s := strings.TrimSpace(crs)
	if s == "" {
		return 0, nil
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "EPSG") {
			return 0, fmt.Errorf("crs %q is not an EPSG code: %w", crs, core.ErrUnsupportedRaster)
		}
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("crs %q is not an EPSG code: %w", crs, core.ErrUnsupportedRaster)
	}
	return code, nil
}

// FormatEPSG renders a code as "EPSG:<code>", or "" for 0.
func FormatEPSG(code int) string {
	if code <= 0 {
		return ""
	}
	return "EPSG:" + strconv.Itoa(code)
}

// geographic reports whether an EPSG code names a geographic 2D CRS.
func geographic(code int) bool {
	return code >= 4000 && code < 5000
}
