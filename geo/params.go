package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Parameter keys understood by the normalizer.
const (
	KeyProduct          = "product"
	KeyBBox             = "bbox"
	KeyBands            = "bands"
	KeyBand1            = "band1"
	KeyBand2            = "band2"
	KeyPalette          = "palette"
	KeyDate             = "date"
	KeyStart            = "start"
	KeyEnd              = "end"
	KeyResolution       = "resolution"
	KeyProjection       = "projection"
	KeyReducer          = "reducer"
	KeyTileSize         = "tile_size"
	KeyMaxTiles         = "max_tiles"
	KeyApplyCloudMask   = "apply_cloud_mask"
	KeyApplyScaleOffset = "apply_scale_offset"
)

// Default is the literal that defers resolution or projection to the backend.
const Default = "default"

// Bands is a band selection. All is the "every band" sentinel and is
// distinct from an explicit token list.
type Bands struct {
	All    bool
	Tokens []string
}

// AllBands selects every band.
func AllBands() Bands { return Bands{All: true} }

func (b Bands) String() string {
	if b.All {
		return "all"
	}
	return strings.Join(b.Tokens, ",")
}

// Resolution is either the backend default or a positive ground sample distance.
type Resolution struct {
	Default bool
	Value   float64
}

func (r Resolution) value() interface{} {
	if r.Default {
		return Default
	}
	return r.Value
}

// Params is the canonical parameter bag for one action: a closed set of
// known fields plus an Extra bucket for backend-specific keys.
type Params struct {
	Product          string
	BBox             BBox
	Bands            Bands
	Band1            string
	Band2            string
	Palette          string
	Date             *Date
	Start            *Date
	End              *Date
	Resolution       Resolution
	Projection       string
	Reducer          Reducer
	TileSize         int
	MaxTiles         int
	ApplyCloudMask   *bool
	ApplyScaleOffset *bool
	Extra            map[string]interface{}
}

var knownKeys = map[string]bool{
	KeyProduct: true, KeyBBox: true, KeyBands: true, KeyBand1: true, KeyBand2: true,
	KeyPalette: true, KeyDate: true, KeyStart: true, KeyEnd: true, KeyResolution: true,
	KeyProjection: true, KeyReducer: true, KeyTileSize: true, KeyMaxTiles: true,
	KeyApplyCloudMask: true, KeyApplyScaleOffset: true,
}

// Normalize validates a raw parameter bag against a family and returns its
// canonical form. Every violation is reported, not just the first; the
// returned error is a ValidationErrors.
func Normalize(family Family, raw map[string]interface{}) (Params, error) {
	var errs ValidationErrors
	p := Params{
		Bands:      AllBands(),
		Resolution: Resolution{Default: true},
		Projection: Default,
	}

	// product
	if v, ok := present(raw, KeyProduct); !ok {
		errs.add(KeyProduct, KindMissing, "a product name is required")
	} else if s, ok := v.(string); !ok || strings.TrimSpace(s) == "" {
		errs.add(KeyProduct, KindInvalidType, "must be a non-empty string")
	} else {
		p.Product = strings.TrimSpace(s)
	}

	// bbox
	if v, ok := present(raw, KeyBBox); !ok {
		errs.add(KeyBBox, KindMissing, "a bounding box [xmin, ymin, xmax, ymax] is required")
	} else if b, err := ParseBBox(v); err != nil {
		errs.add(KeyBBox, KindInvalidValue, "%v", err)
	} else {
		p.BBox = b
	}

	normalizeBands(family, raw, &p, &errs)
	normalizeDates(family, raw, &p, &errs)

	// resolution
	if v, ok := present(raw, KeyResolution); ok && !isDefault(v) {
		f, err := toFloat(v)
		switch {
		case err != nil:
			errs.add(KeyResolution, KindInvalidType, "must be a positive number or %q", Default)
		case f <= 0 || math.IsNaN(f) || math.IsInf(f, 0):
			errs.add(KeyResolution, KindInvalidValue, "must be positive, got %v", f)
		default:
			p.Resolution = Resolution{Value: f}
		}
	}

	// projection
	if v, ok := present(raw, KeyProjection); ok && !isDefault(v) {
		s, isStr := v.(string)
		switch {
		case !isStr:
			errs.add(KeyProjection, KindInvalidType, "must be a CRS identifier or %q", Default)
		case strings.TrimSpace(s) == "":
			errs.add(KeyProjection, KindInvalidValue, "must not be empty")
		default:
			p.Projection = canonicalCRS(s)
		}
	}

	// reducer
	if v, ok := present(raw, KeyReducer); ok {
		s, isStr := v.(string)
		if r, known := ParseReducer(s); isStr && known {
			p.Reducer = r
		} else {
			errs.add(KeyReducer, KindUnsupportedReducer, "unsupported reducer %q", fmt.Sprint(v))
		}
	} else if family.Composite() {
		errs.add(KeyReducer, KindMissing, "a composite needs a reducer (%s)", strings.Join(ReducerNames(), ", "))
	}

	if v, ok := present(raw, KeyPalette); ok {
		if s, isStr := v.(string); isStr {
			p.Palette = strings.TrimSpace(s)
		} else {
			errs.add(KeyPalette, KindInvalidType, "must be a string")
		}
	}

	p.TileSize = optionalInt(raw, KeyTileSize, &errs)
	p.MaxTiles = optionalInt(raw, KeyMaxTiles, &errs)
	p.ApplyCloudMask = optionalBool(raw, KeyApplyCloudMask, &errs)
	p.ApplyScaleOffset = optionalBool(raw, KeyApplyScaleOffset, &errs)

	for k, v := range raw {
		if knownKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]interface{})
		}
		p.Extra[k] = v
	}

	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return fieldOrder(errs[i].Field) < fieldOrder(errs[j].Field) })
		return Params{}, errs
	}
	return p, nil
}

func normalizeBands(family Family, raw map[string]interface{}, p *Params, errs *ValidationErrors) {
	switch family.Bands {
	case BandsPair:
		for _, key := range []string{KeyBand1, KeyBand2} {
			v, ok := present(raw, key)
			if !ok {
				errs.add(key, KindMissing, "an index needs %s and %s", KeyBand1, KeyBand2)
				continue
			}
			s, isStr := v.(string)
			if !isStr || strings.TrimSpace(s) == "" {
				errs.add(key, KindInvalidType, "must be a band name")
				continue
			}
			if key == KeyBand1 {
				p.Band1 = strings.TrimSpace(s)
			} else {
				p.Band2 = strings.TrimSpace(s)
			}
		}
		return
	}

	v, ok := present(raw, KeyBands)
	if !ok {
		return
	}
	tokens, err := bandTokens(v)
	if err != nil {
		errs.add(KeyBands, KindInvalidType, "%v", err)
		return
	}
	if len(tokens) == 0 || (len(tokens) == 1 && strings.EqualFold(tokens[0], "all")) {
		return
	}
	if family.Bands == BandsRGB && len(tokens) != 3 {
		errs.add(KeyBands, KindBandCount, "an RGB product needs exactly 3 bands, got %d", len(tokens))
		return
	}
	p.Bands = Bands{Tokens: tokens}
}

func normalizeDates(family Family, raw map[string]interface{}, p *Params, errs *ValidationErrors) {
	parse := func(key string) *Date {
		v, ok := present(raw, key)
		if !ok {
			return nil
		}
		s, isStr := v.(string)
		if !isStr {
			errs.add(key, KindInvalidType, "must be a YYYY-MM-DD string")
			return nil
		}
		d, err := ParseDate(s)
		if err != nil {
			errs.add(key, KindInvalidValue, "%v", err)
			return nil
		}
		return &d
	}

	_, hasDate := present(raw, KeyDate)
	_, hasStart := present(raw, KeyStart)
	_, hasEnd := present(raw, KeyEnd)

	if family.Temporal == SingleDate && (hasDate || !(hasStart || hasEnd)) {
		if !hasDate {
			errs.add(KeyDate, KindMissing, "an acquisition date (YYYY-MM-DD) is required")
			return
		}
		p.Date = parse(KeyDate)
		return
	}

	if !hasStart {
		errs.add(KeyStart, KindMissing, "a start date (YYYY-MM-DD) is required")
	}
	if !hasEnd {
		errs.add(KeyEnd, KindMissing, "an end date (YYYY-MM-DD, inclusive) is required")
	}
	p.Start = parse(KeyStart)
	p.End = parse(KeyEnd)
	if p.Start != nil && p.End != nil && p.End.Before(*p.Start) {
		errs.add(KeyEnd, KindDateOrder, "end %s is before start %s", p.End, p.Start)
	}
}

// Map renders the canonical bag. Normalize(f, p.Map()) yields p again.
func (p Params) Map() map[string]interface{} {
	m := make(map[string]interface{}, len(p.Extra)+12)
	for k, v := range p.Extra {
		m[k] = v
	}
	m[KeyProduct] = p.Product
	m[KeyBBox] = p.BBox.Slice()
	if !p.Bands.All {
		m[KeyBands] = p.Bands.String()
	}
	if p.Band1 != "" {
		m[KeyBand1] = p.Band1
	}
	if p.Band2 != "" {
		m[KeyBand2] = p.Band2
	}
	if p.Palette != "" {
		m[KeyPalette] = p.Palette
	}
	if p.Date != nil {
		m[KeyDate] = p.Date.String()
	}
	if p.Start != nil {
		m[KeyStart] = p.Start.String()
	}
	if p.End != nil {
		m[KeyEnd] = p.End.String()
	}
	m[KeyResolution] = p.Resolution.value()
	m[KeyProjection] = p.Projection
	if p.Reducer != "" {
		m[KeyReducer] = string(p.Reducer)
	}
	if p.TileSize > 0 {
		m[KeyTileSize] = p.TileSize
	}
	if p.MaxTiles > 0 {
		m[KeyMaxTiles] = p.MaxTiles
	}
	if p.ApplyCloudMask != nil {
		m[KeyApplyCloudMask] = *p.ApplyCloudMask
	}
	if p.ApplyScaleOffset != nil {
		m[KeyApplyScaleOffset] = *p.ApplyScaleOffset
	}
	return m
}

// Dispatch renders the bag sent to a backend. Backends treat date ranges as
// exclusive at the upper end, so the inclusive end date moves forward one day.
func (p Params) Dispatch() map[string]interface{} {
	m := p.Map()
	if p.End != nil {
		m[KeyEnd] = p.End.AddDays(1).String()
	}
	return m
}

// WithTiling returns a copy with tile_size/max_tiles filled when absent.
func (p Params) WithTiling(tileSize, maxTiles int) Params {
	if p.TileSize == 0 && tileSize > 0 {
		p.TileSize = tileSize
	}
	if p.MaxTiles == 0 && maxTiles > 0 {
		p.MaxTiles = maxTiles
	}
	return p
}

func present(raw map[string]interface{}, key string) (interface{}, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

func isDefault(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(strings.TrimSpace(s), Default)
}

func bandTokens(v interface{}) ([]string, error) {
	var raw []string
	switch t := v.(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []interface{}:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("band names must be strings, got %T", e)
			}
			raw = append(raw, s)
		}
	default:
		return nil, fmt.Errorf("must be a comma-separated string or list, got %T", v)
	}
	tokens := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			tokens = append(tokens, s)
		}
	}
	return tokens, nil
}

func optionalInt(raw map[string]interface{}, key string, errs *ValidationErrors) int {
	v, ok := present(raw, key)
	if !ok {
		return 0
	}
	f, err := toFloat(v)
	if err != nil || f != math.Trunc(f) || f <= 0 {
		errs.add(key, KindInvalidValue, "must be a positive integer")
		return 0
	}
	return int(f)
}

func optionalBool(raw map[string]interface{}, key string, errs *ValidationErrors) *bool {
	v, ok := present(raw, key)
	if !ok {
		return nil
	}
	var b bool
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			b = true
		case "false", "0", "no":
			b = false
		default:
			errs.add(key, KindInvalidType, "must be a boolean")
			return nil
		}
	default:
		errs.add(key, KindInvalidType, "must be a boolean")
		return nil
	}
	return &b
}

// canonicalCRS upper-cases authority prefixes ("epsg:4326" -> "EPSG:4326").
func canonicalCRS(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return strings.ToUpper(s[:i]) + s[i:]
	}
	return s
}

var fieldRank = map[string]int{
	KeyProduct: 0, KeyBBox: 1, KeyBands: 2, KeyBand1: 3, KeyBand2: 4, KeyDate: 5,
	KeyStart: 6, KeyEnd: 7, KeyResolution: 8, KeyProjection: 9, KeyReducer: 10,
	KeyPalette: 11, KeyTileSize: 12, KeyMaxTiles: 13, KeyApplyCloudMask: 14, KeyApplyScaleOffset: 15,
}

func fieldOrder(field string) int {
	if r, ok := fieldRank[field]; ok {
		return r
	}
	return len(fieldRank)
}
