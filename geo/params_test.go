package geo

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/geomind/core"
)

func rgbRaw() map[string]interface{} {
	return map[string]interface{}{
		"product":    "COPERNICUS/S2_SR_HARMONIZED",
		"bbox":       []interface{}{-58.5, -34.7, -58.3, -34.5},
		"bands":      "B4, B3 ,B2",
		"date":       "2024-01-15",
		"resolution": "default",
		"projection": "epsg:4326",
	}
}

// TestNormalizeRGB tests the canonical form of a single-date RGB bag
func TestNormalizeRGB(t *testing.T) {
	p, err := Normalize(FamilyOf("rgb_single_tif"), rgbRaw())
	require.NoError(t, err)

	assert.Equal(t, "COPERNICUS/S2_SR_HARMONIZED", p.Product)
	assert.Equal(t, BBox{-58.5, -34.7, -58.3, -34.5}, p.BBox)
	assert.Equal(t, []string{"B4", "B3", "B2"}, p.Bands.Tokens)
	assert.False(t, p.Bands.All)
	require.NotNil(t, p.Date)
	assert.Equal(t, "2024-01-15", p.Date.String())
	assert.True(t, p.Resolution.Default)
	assert.Equal(t, "EPSG:4326", p.Projection)
	assert.Nil(t, p.Extra)
}

// TestNormalizeIdempotent checks normalize(normalize(x)) == normalize(x)
func TestNormalizeIdempotent(t *testing.T) {
	tests := []struct {
		name       string
		geoprocess string
		raw        map[string]interface{}
	}{
		{"rgb single", "rgb_single_tif", rgbRaw()},
		{"rgb all bands", "rgb_single", map[string]interface{}{
			"product": "LANDSAT/LC09/C02/T1_L2", "bbox": "0,0,1,1", "bands": "all", "date": "2023-06-01",
		}},
		{"index composite", "index_composite_tif", map[string]interface{}{
			"product": "MODIS/061/MOD09GA", "bbox": []float64{10, 20, 11, 21},
			"band1": "B8", "band2": "B4", "palette": "RdYlGn",
			"start": "2023-01-01", "end": "2023-01-31", "reducer": "Promedio",
			"resolution": 30.0, "tile_size": 256.0, "max_tiles": 16,
			"apply_cloud_mask": "yes", "cloud_threshold": 20.0,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family := FamilyOf(tt.geoprocess)
			first, err := Normalize(family, tt.raw)
			require.NoError(t, err)

			second, err := Normalize(family, first.Map())
			require.NoError(t, err)

			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("normalize is not idempotent (-first +second):\n%s", diff)
			}
		})
	}
}

// TestNormalizeBBox covers bbox shape and ordering rules
func TestNormalizeBBox(t *testing.T) {
	tests := []struct {
		name string
		bbox interface{}
		ok   bool
	}{
		{"degenerate point", []interface{}{1.0, 1.0, 1.0, 1.0}, false},
		{"inverted x", []interface{}{2.0, 0.0, 1.0, 1.0}, false},
		{"three numbers", []interface{}{0.0, 0.0, 1.0}, false},
		{"non numeric", []interface{}{"a", 0.0, 1.0, 1.0}, false},
		{"string form", "[0, 0, 1, 1]", true},
		{"float slice", []float64{0, 0, 1, 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := rgbRaw()
			raw["bbox"] = tt.bbox
			_, err := Normalize(FamilyOf("rgb_single"), raw)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrValidation))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, KeyBBox, verrs[0].Field)
		})
	}
}

// TestNormalizeAccumulatesViolations verifies every problem is reported at once
func TestNormalizeAccumulatesViolations(t *testing.T) {
	raw := map[string]interface{}{
		"product":    "COPERNICUS/S2",
		"bbox":       []interface{}{1.0, 1.0, 1.0, 1.0},
		"bands":      "B4,B3",
		"start":      "2024-02-10",
		"end":        "2024-02-01",
		"reducer":    "geometric-mean",
		"resolution": -10.0,
	}

	_, err := Normalize(FamilyOf("rgb_composite_tif"), raw)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	assert.Equal(t, []string{KeyBBox, KeyBands, KeyEnd, KeyResolution, KeyReducer}, fields)
	assert.True(t, errors.Is(err, core.ErrUnsupportedReducer))

	for _, v := range verrs {
		assert.NotEmpty(t, v.Question())
	}
}

// TestNormalizeDates covers the temporal families
func TestNormalizeDates(t *testing.T) {
	t.Run("single date missing", func(t *testing.T) {
		raw := rgbRaw()
		delete(raw, "date")
		_, err := Normalize(FamilyOf("rgb_single"), raw)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, KeyDate, verrs[0].Field)
		assert.Equal(t, KindMissing, verrs[0].Kind)
	})

	t.Run("composite requires range and reducer", func(t *testing.T) {
		raw := rgbRaw()
		_, err := Normalize(FamilyOf("rgb_composite"), raw)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Len(t, verrs, 3)
	})

	t.Run("bad format", func(t *testing.T) {
		raw := rgbRaw()
		raw["date"] = "15/01/2024"
		_, err := Normalize(FamilyOf("rgb_single"), raw)
		assert.ErrorIs(t, err, core.ErrValidation)
	})

	t.Run("same-day range is valid", func(t *testing.T) {
		raw := rgbRaw()
		delete(raw, "date")
		raw["start"] = "2024-01-15"
		raw["end"] = "2024-01-15"
		raw["reducer"] = "median"
		p, err := Normalize(FamilyOf("rgb_composite_tif"), raw)
		require.NoError(t, err)
		assert.Equal(t, ReducerMedian, p.Reducer)
	})
}

// TestDispatchShiftsEnd verifies the inclusive end becomes exclusive for the backend
func TestDispatchShiftsEnd(t *testing.T) {
	raw := rgbRaw()
	delete(raw, "date")
	raw["start"] = "2024-02-01"
	raw["end"] = "2024-02-29"
	raw["reducer"] = "mean"

	p, err := Normalize(FamilyOf("rgb_composite_tif"), raw)
	require.NoError(t, err)

	assert.Equal(t, "2024-02-29", p.Map()["end"])
	assert.Equal(t, "2024-03-01", p.Dispatch()["end"])
	assert.Equal(t, "2024-02-01", p.Dispatch()["start"])
	// the params value itself is untouched
	assert.Equal(t, "2024-02-29", p.End.String())
}

// TestIndexFamily requires both bands
func TestIndexFamily(t *testing.T) {
	raw := map[string]interface{}{
		"product": "COPERNICUS/S2",
		"bbox":    []float64{0, 0, 1, 1},
		"date":    "2024-01-01",
		"band1":   "B8",
	}
	_, err := Normalize(FamilyOf("index_tif"), raw)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, KeyBand2, verrs[0].Field)
}

func TestWithTiling(t *testing.T) {
	p := Params{TileSize: 128}
	got := p.WithTiling(512, 9)
	assert.Equal(t, 128, got.TileSize)
	assert.Equal(t, 9, got.MaxTiles)
	assert.Equal(t, 0, p.MaxTiles)
}
