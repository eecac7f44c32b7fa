package raster

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
)

// Compression selects the strip codec used by Encode.
type Compression int

const (
	// Uncompressed strips.
	Uncompressed Compression = iota
	// Deflate strips (zlib, TIFF compression 8).
	Deflate
)

// EncodeOptions tunes Encode. A nil *EncodeOptions means deflate.
type EncodeOptions struct {
	Compression Compression
}

const stripTarget = 256 << 10

type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

func doubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func shortField(tag uint16, vs ...uint16) field {
	return field{tag: tag, typ: dtShort, count: uint32(len(vs)), data: shorts(vs...)}
}

func longField(tag uint16, vs ...uint32) field {
	return field{tag: tag, typ: dtLong, count: uint32(len(vs)), data: longs(vs...)}
}

func doubleField(tag uint16, vs ...float64) field {
	return field{tag: tag, typ: dtDouble, count: uint32(len(vs)), data: doubles(vs...)}
}

func asciiField(tag uint16, s string) field {
	data := append([]byte(s), 0)
	return field{tag: tag, typ: dtASCII, count: uint32(len(data)), data: data}
}

// WriteFile encodes r to path.
func WriteFile(path string, r *Raster, opts *EncodeOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Encode(bw, r, opts); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Encode writes r as a little-endian float32 GeoTIFF with chunky samples.
func Encode(w io.Writer, r *Raster, opts *EncodeOptions) error {
	if r == nil || r.Width <= 0 || r.Height <= 0 || r.Bands <= 0 {
		return unsupported("cannot encode an empty raster")
	}
	if len(r.Pix) != r.Width*r.Height*r.Bands {
		return fmt.Errorf("geotiff: pixel buffer has %d samples, want %d", len(r.Pix), r.Width*r.Height*r.Bands)
	}
	compression := Deflate
	if opts != nil {
		compression = opts.Compression
	}

	rowBytes := r.Width * r.Bands * 4
	rowsPerStrip := stripTarget / rowBytes
	if rowsPerStrip < 1 {
		rowsPerStrip = 1
	}
	if rowsPerStrip > r.Height {
		rowsPerStrip = r.Height
	}

	var strips [][]byte
	for y := 0; y < r.Height; y += rowsPerStrip {
		rows := rowsPerStrip
		if y+rows > r.Height {
			rows = r.Height - y
		}
		raw := make([]byte, rows*rowBytes)
		base := y * r.Width * r.Bands
		for i, v := range r.Pix[base : base+rows*r.Width*r.Bands] {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		if compression == Deflate {
			var buf bytes.Buffer
			zw := zlib.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				return err
			}
			if err := zw.Close(); err != nil {
				return err
			}
			raw = buf.Bytes()
		}
		strips = append(strips, raw)
	}

	code := uint16(compressionNone)
	if compression == Deflate {
		code = compressionDeflate
	}
	bits := make([]uint16, r.Bands)
	formats := make([]uint16, r.Bands)
	for i := range bits {
		bits[i], formats[i] = 32, 3
	}

	fields := []field{
		longField(tagImageWidth, uint32(r.Width)),
		longField(tagImageLength, uint32(r.Height)),
		shortField(tagBitsPerSample, bits...),
		shortField(tagCompression, code),
		shortField(tagPhotometric, 1),
		shortField(tagSamplesPerPixel, uint16(r.Bands)),
		longField(tagRowsPerStrip, uint32(rowsPerStrip)),
		shortField(tagPlanarConfig, 1),
		shortField(tagSampleFormat, formats...),
	}
	if r.Bands > 1 {
		fields = append(fields, shortField(tagExtraSamples, make([]uint16, r.Bands-1)...))
	}
	fields = append(fields, geoFields(r)...)

	return writeTIFF(w, fields, strips)
}

func geoFields(r *Raster) []field {
	var fields []field
	t := r.Transform
	switch {
	case t.IsZero():
	case t.Rotated():
		fields = append(fields, doubleField(tagModelTransformation,
			t[0], t[1], 0, t[2],
			t[3], t[4], 0, t[5],
			0, 0, 0, 0,
			0, 0, 0, 1))
	default:
		fields = append(fields,
			doubleField(tagModelPixelScale, t[0], -t[4], 0),
			doubleField(tagModelTiepoint, 0, 0, 0, t[2], t[5], 0))
	}
	if r.EPSG > 0 {
		model, crsKey := uint16(1), uint16(geoKeyProjectedCSType)
		if geographic(r.EPSG) {
			model, crsKey = 2, geoKeyGeographicType
		}
		fields = append(fields, shortField(tagGeoKeyDirectory,
			1, 1, 0, 3,
			geoKeyModelType, 0, 1, model,
			geoKeyRasterType, 0, 1, 1,
			crsKey, 0, 1, uint16(r.EPSG)))
	}
	if r.NoData != nil {
		fields = append(fields, asciiField(tagGDALNoData, strconv.FormatFloat(*r.NoData, 'g', -1, 64)))
	}
	return fields
}

// writeTIFF lays out header, chunk data, one IFD and its overflow values.
// Strip or tile offsets are derived from chunks; the caller supplies every
// other field.
func writeTIFF(w io.Writer, fields []field, chunks [][]byte) error {
	offsetTag, countTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
	for _, f := range fields {
		if f.tag == tagTileWidth {
			offsetTag, countTag = tagTileOffsets, tagTileByteCounts
		}
	}

	pos := uint32(8)
	offsets := make([]uint32, len(chunks))
	counts := make([]uint32, len(chunks))
	for i, c := range chunks {
		offsets[i], counts[i] = pos, uint32(len(c))
		pos += uint32(len(c))
	}
	pad := pos % 2
	pos += pad

	fields = append(fields, longField(offsetTag, offsets...), longField(countTag, counts...))
	sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

	ifdOffset := pos
	overflow := ifdOffset + 2 + uint32(len(fields))*12 + 4

	var ifd, extra bytes.Buffer
	ifd.Write(shorts(uint16(len(fields))))
	for _, f := range fields {
		ifd.Write(shorts(f.tag, f.typ))
		ifd.Write(longs(f.count))
		if len(f.data) <= 4 {
			v := make([]byte, 4)
			copy(v, f.data)
			ifd.Write(v)
			continue
		}
		ifd.Write(longs(overflow + uint32(extra.Len())))
		extra.Write(f.data)
		if extra.Len()%2 == 1 {
			extra.WriteByte(0)
		}
	}
	ifd.Write(longs(0))

	header := []byte{'I', 'I', 42, 0}
	header = append(header, longs(ifdOffset)...)
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	if pad > 0 {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}
	if _, err := w.Write(ifd.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(extra.Bytes())
	return err
}
