package geo

import "strings"

// BandMode describes how a geoprocess selects bands.
type BandMode int

const (
	// BandsAny accepts any number of band tokens.
	BandsAny BandMode = iota
	// BandsRGB needs exactly three band tokens.
	BandsRGB
	// BandsPair needs band1 and band2 (normalized difference indices).
	BandsPair
)

// TemporalMode describes whether a geoprocess takes one date or a range.
type TemporalMode int

const (
	SingleDate TemporalMode = iota
	DateRange
)

// Family groups geoprocesses that share a parameter shape.
type Family struct {
	Bands    BandMode
	Temporal TemporalMode
}

// Composite reports whether the family aggregates a date range with a reducer.
func (f Family) Composite() bool {
	return f.Temporal == DateRange
}

// FamilyOf derives the parameter family from a geoprocess name:
// rgb_* selects three bands, index_* selects band1/band2, and names
// containing "composite" aggregate a date range.
func FamilyOf(geoprocess string) Family {
	name := strings.ToLower(strings.TrimSpace(geoprocess))
	f := Family{Bands: BandsAny, Temporal: SingleDate}
	switch {
	case strings.HasPrefix(name, "rgb"):
		f.Bands = BandsRGB
	case strings.HasPrefix(name, "index"):
		f.Bands = BandsPair
	}
	if strings.Contains(name, "composite") {
		f.Temporal = DateRange
	}
	return f
}

// EndpointName is the backend route for a geoprocess: rgb_single_tif -> rgb_single.
func EndpointName(geoprocess string) string {
	return strings.TrimSuffix(strings.TrimSpace(geoprocess), "_tif")
}
