package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff/lzw"

	"github.com/itsneelabh/geomind/core"
)

// TIFF and GeoTIFF tags.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagExtraSamples        = 338
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// TIFF field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndefined = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
)

var typeSize = map[uint16]int64{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8, dtSByte: 1,
	dtUndefined: 1, dtSShort: 2, dtSLong: 4, dtSRational: 8, dtFloat: 4, dtDouble: 8,
}

// Compression and predictor codes.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionDeflateOld = 32946

	predictorNone       = 1
	predictorHorizontal = 2
)

// GeoKey ids.
const (
	geoKeyModelType       = 1024
	geoKeyRasterType      = 1025
	geoKeyGeographicType  = 2048
	geoKeyProjectedCSType = 3072
	geoKeyUserDefined     = 32767
)

type ifdEntry struct {
	typ   uint16
	count uint32
	raw   []byte
}

type decoder struct {
	buf  []byte
	bo   binary.ByteOrder
	tags map[uint16]ifdEntry
}

func unsupported(format string, args ...interface{}) error {
	return fmt.Errorf("geotiff: %s: %w", fmt.Sprintf(format, args...), core.ErrUnsupportedRaster)
}

// ReadFile decodes the GeoTIFF at path.
func ReadFile(path string) (*Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Decode reads a whole GeoTIFF stream. Only the first image is read.
func Decode(r io.Reader) (*Raster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes an in-memory GeoTIFF.
func DecodeBytes(data []byte) (*Raster, error) {
	if len(data) < 8 {
		return nil, unsupported("file too short")
	}
	d := &decoder{buf: data, tags: make(map[uint16]ifdEntry)}
	switch string(data[:2]) {
	case "II":
		d.bo = binary.LittleEndian
	case "MM":
		d.bo = binary.BigEndian
	default:
		return nil, unsupported("not a TIFF file")
	}
	switch d.bo.Uint16(data[2:4]) {
	case 42:
	case 43:
		return nil, unsupported("BigTIFF is not supported")
	default:
		return nil, unsupported("bad magic number")
	}
	if err := d.readIFD(int64(d.bo.Uint32(data[4:8]))); err != nil {
		return nil, err
	}
	return d.decode()
}

func (d *decoder) readIFD(off int64) error {
	size := int64(len(d.buf))
	if off < 8 || off+2 > size {
		return unsupported("IFD offset %d out of range", off)
	}
	n := int64(d.bo.Uint16(d.buf[off:]))
	p := off + 2
	if p+n*12 > size {
		return unsupported("IFD with %d entries is truncated", n)
	}
	for i := int64(0); i < n; i++ {
		e := d.buf[p+i*12 : p+i*12+12]
		tag := d.bo.Uint16(e[0:2])
		typ := d.bo.Uint16(e[2:4])
		count := d.bo.Uint32(e[4:8])
		width, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := width * int64(count)
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			vo := int64(d.bo.Uint32(e[8:12]))
			if vo+total > size {
				return unsupported("tag %d value out of range", tag)
			}
			raw = d.buf[vo : vo+total]
		}
		d.tags[tag] = ifdEntry{typ: typ, count: count, raw: raw}
	}
	return nil
}

func (d *decoder) floats(tag uint16) []float64 {
	e, ok := d.tags[tag]
	if !ok {
		return nil
	}
	w := typeSize[e.typ]
	out := make([]float64, 0, e.count)
	for i := int64(0); i < int64(e.count); i++ {
		b := e.raw[i*w : (i+1)*w]
		var v float64
		switch e.typ {
		case dtByte, dtUndefined:
			v = float64(b[0])
		case dtSByte:
			v = float64(int8(b[0]))
		case dtShort:
			v = float64(d.bo.Uint16(b))
		case dtSShort:
			v = float64(int16(d.bo.Uint16(b)))
		case dtLong:
			v = float64(d.bo.Uint32(b))
		case dtSLong:
			v = float64(int32(d.bo.Uint32(b)))
		case dtRational:
			v = float64(d.bo.Uint32(b[:4])) / float64(d.bo.Uint32(b[4:]))
		case dtSRational:
			v = float64(int32(d.bo.Uint32(b[:4]))) / float64(int32(d.bo.Uint32(b[4:])))
		case dtFloat:
			v = float64(math.Float32frombits(d.bo.Uint32(b)))
		case dtDouble:
			v = math.Float64frombits(d.bo.Uint64(b))
		default:
			continue
		}
		out = append(out, v)
	}
	return out
}

func (d *decoder) ints(tag uint16) []int {
	fs := d.floats(tag)
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out
}

func (d *decoder) first(tag uint16, def int) int {
	if vs := d.ints(tag); len(vs) > 0 {
		return vs[0]
	}
	return def
}

func (d *decoder) ascii(tag uint16) string {
	e, ok := d.tags[tag]
	if !ok || e.typ != dtASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00 ")
}

func (d *decoder) decode() (*Raster, error) {
	width := d.first(tagImageWidth, 0)
	height := d.first(tagImageLength, 0)
	if width <= 0 || height <= 0 {
		return nil, unsupported("missing image dimensions")
	}
	spp := d.first(tagSamplesPerPixel, 1)
	if spp <= 0 {
		return nil, unsupported("%d samples per pixel", spp)
	}
	if !Fits(width, height, spp) {
		return nil, unsupported("%dx%dx%d samples exceed the %d sample limit", width, height, spp, MaxSamples)
	}
	bits := d.ints(tagBitsPerSample)
	if len(bits) == 0 {
		bits = []int{1}
	}
	for _, b := range bits[1:] {
		if b != bits[0] {
			return nil, unsupported("mixed bits per sample %v", bits)
		}
	}
	format := d.first(tagSampleFormat, 1)
	sample, err := sampleReader(format, bits[0], d.bo)
	if err != nil {
		return nil, err
	}
	bps := bits[0] / 8
	compression := d.first(tagCompression, compressionNone)
	predictor := d.first(tagPredictor, predictorNone)
	if predictor != predictorNone && (predictor != predictorHorizontal || format == 3) {
		return nil, unsupported("predictor %d", predictor)
	}
	planar := d.first(tagPlanarConfig, 1)

	var cw, ch int
	var offsets, counts []int
	tiled := false
	if _, ok := d.tags[tagTileOffsets]; ok {
		tiled = true
		cw, ch = d.first(tagTileWidth, 0), d.first(tagTileLength, 0)
		offsets, counts = d.ints(tagTileOffsets), d.ints(tagTileByteCounts)
	} else {
		cw, ch = width, d.first(tagRowsPerStrip, height)
		if ch <= 0 || ch > height {
			ch = height
		}
		offsets, counts = d.ints(tagStripOffsets), d.ints(tagStripByteCounts)
	}
	if cw <= 0 || ch <= 0 {
		return nil, unsupported("invalid chunk size %dx%d", cw, ch)
	}

	planes, chunkSpp := 1, spp
	if planar == 2 {
		planes, chunkSpp = spp, 1
	}
	across := (width + cw - 1) / cw
	down := (height + ch - 1) / ch
	if len(offsets) < across*down*planes || len(counts) != len(offsets) {
		return nil, unsupported("expected %d chunks, found %d offsets and %d byte counts",
			across*down*planes, len(offsets), len(counts))
	}

	out := New(width, height, spp)
	rowBytes := cw * chunkSpp * bps
	for p := 0; p < planes; p++ {
		for cy := 0; cy < down; cy++ {
			for cx := 0; cx < across; cx++ {
				idx := p*across*down + cy*across + cx
				start, n := int64(offsets[idx]), int64(counts[idx])
				if start < 0 || start+n > int64(len(d.buf)) {
					return nil, unsupported("chunk %d out of range", idx)
				}
				rows := ch
				if !tiled && cy*ch+rows > height {
					rows = height - cy*ch
				}
				buf, err := decompress(compression, d.buf[start:start+n], rows*rowBytes)
				if err != nil {
					return nil, err
				}
				if len(buf) < rows*rowBytes {
					return nil, unsupported("chunk %d is short: %d of %d bytes", idx, len(buf), rows*rowBytes)
				}
				buf = buf[:rows*rowBytes]
				if predictor == predictorHorizontal {
					if err := undoDifferencing(buf, rowBytes, chunkSpp, bps, d.bo); err != nil {
						return nil, err
					}
				}
				for r := 0; r < rows; r++ {
					y := cy*ch + r
					if y >= height {
						break
					}
					for c := 0; c < cw; c++ {
						x := cx*cw + c
						if x >= width {
							break
						}
						for s := 0; s < chunkSpp; s++ {
							o := r*rowBytes + (c*chunkSpp+s)*bps
							band := s
							if planar == 2 {
								band = p
							}
							out.Set(x, y, band, sample(buf[o:o+bps]))
						}
					}
				}
			}
		}
	}

	d.georeference(out)
	return out, nil
}

func (d *decoder) georeference(r *Raster) {
	if m := d.floats(tagModelTransformation); len(m) >= 16 {
		r.Transform = GeoTransform{m[0], m[1], m[3], m[4], m[5], m[7]}
	} else if scale, tie := d.floats(tagModelPixelScale), d.floats(tagModelTiepoint); len(scale) >= 2 && len(tie) >= 6 {
		sx, sy := scale[0], scale[1]
		r.Transform = GeoTransform{sx, 0, tie[3] - tie[0]*sx, 0, -sy, tie[4] + tie[1]*sy}
	}

	if keys := d.ints(tagGeoKeyDirectory); len(keys) >= 4 {
		n := keys[3]
		found := map[int]int{}
		for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
			k := keys[4+i*4:]
			if k[1] == 0 {
				found[k[0]] = k[3]
			}
		}
		for _, id := range []int{geoKeyProjectedCSType, geoKeyGeographicType} {
			if code, ok := found[id]; ok && code > 0 && code != geoKeyUserDefined {
				r.EPSG = code
				break
			}
		}
	}

	if s := d.ascii(tagGDALNoData); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			r.NoData = &v
		}
	}
}

func sampleReader(format, bits int, bo binary.ByteOrder) (func([]byte) float32, error) {
	switch {
	case format == 1 && bits == 8:
		return func(b []byte) float32 { return float32(b[0]) }, nil
	case format == 2 && bits == 8:
		return func(b []byte) float32 { return float32(int8(b[0])) }, nil
	case format == 1 && bits == 16:
		return func(b []byte) float32 { return float32(bo.Uint16(b)) }, nil
	case format == 2 && bits == 16:
		return func(b []byte) float32 { return float32(int16(bo.Uint16(b))) }, nil
	case format == 1 && bits == 32:
		return func(b []byte) float32 { return float32(bo.Uint32(b)) }, nil
	case format == 2 && bits == 32:
		return func(b []byte) float32 { return float32(int32(bo.Uint32(b))) }, nil
	case format == 3 && bits == 32:
		return func(b []byte) float32 { return math.Float32frombits(bo.Uint32(b)) }, nil
	case format == 3 && bits == 64:
		return func(b []byte) float32 { return float32(math.Float64frombits(bo.Uint64(b))) }, nil
	default:
		return nil, unsupported("sample format %d with %d bits", format, bits)
	}
}

func decompress(compression int, raw []byte, want int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		rd := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rd.Close()
		out, err := io.ReadAll(rd)
		// Some writers omit the end-of-information code.
		if err != nil && len(out) < want {
			return nil, unsupported("lzw: %v", err)
		}
		return out, nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, unsupported("deflate: %v", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil && len(out) < want {
			return nil, unsupported("deflate: %v", err)
		}
		return out, nil
	default:
		return nil, unsupported("compression %d", compression)
	}
}

// undoDifferencing reverses horizontal predictor 2 in place.
func undoDifferencing(buf []byte, rowBytes, spp, bps int, bo binary.ByteOrder) error {
	for row := 0; row+rowBytes <= len(buf); row += rowBytes {
		line := buf[row : row+rowBytes]
		stride := spp * bps
		switch bps {
		case 1:
			for i := stride; i < len(line); i++ {
				line[i] += line[i-stride]
			}
		case 2:
			for i := stride; i+2 <= len(line); i += 2 {
				bo.PutUint16(line[i:], bo.Uint16(line[i:])+bo.Uint16(line[i-stride:]))
			}
		case 4:
			for i := stride; i+4 <= len(line); i += 4 {
				bo.PutUint32(line[i:], bo.Uint32(line[i:])+bo.Uint32(line[i-stride:]))
			}
		default:
			return unsupported("predictor with %d-byte samples", bps)
		}
	}
	return nil
}
