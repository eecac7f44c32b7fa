package geo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BBox is an axis-aligned extent [xmin, ymin, xmax, ymax].
type BBox [4]float64

func (b BBox) MinX() float64   { return b[0] }
func (b BBox) MinY() float64   { return b[1] }
func (b BBox) MaxX() float64   { return b[2] }
func (b BBox) MaxY() float64   { return b[3] }
func (b BBox) Width() float64  { return b[2] - b[0] }
func (b BBox) Height() float64 { return b[3] - b[1] }

// Valid reports whether the extent has positive width and height.
func (b BBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3]
}

// String renders the comma-joined form used in query strings.
func (b BBox) String() string {
	parts := make([]string, 4)
	for i, v := range b {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

// Slice returns the bbox as a plain slice for JSON bags.
func (b BBox) Slice() []float64 {
	return []float64{b[0], b[1], b[2], b[3]}
}

// ParseBBox accepts a 4-element numeric list or a comma-separated string.
func ParseBBox(v interface{}) (BBox, error) {
	var values []interface{}
	switch t := v.(type) {
	case BBox:
		values = []interface{}{t[0], t[1], t[2], t[3]}
	case []float64:
		for _, f := range t {
			values = append(values, f)
		}
	case []interface{}:
		values = t
	case string:
		for _, p := range strings.Split(strings.Trim(strings.TrimSpace(t), "[]"), ",") {
			values = append(values, strings.TrimSpace(p))
		}
	default:
		return BBox{}, fmt.Errorf("expected a list of 4 numbers, got %T", v)
	}

	if len(values) != 4 {
		return BBox{}, fmt.Errorf("expected exactly 4 numbers, got %d", len(values))
	}

	var b BBox
	for i, raw := range values {
		f, err := toFloat(raw)
		if err != nil {
			return BBox{}, fmt.Errorf("element %d: %v", i, err)
		}
		b[i] = f
	}
	if !b.Valid() {
		return BBox{}, fmt.Errorf("requires xmin < xmax and ymin < ymax, got [%s]", b.String())
	}
	return b, nil
}

// toFloat converts JSON-ish numeric values.
func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v (%T) is not a number", v, v)
	}
}
