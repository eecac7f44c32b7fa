package geo

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reducer is a canonical temporal aggregation name.
type Reducer string

const (
	ReducerMean   Reducer = "mean"
	ReducerMedian Reducer = "median"
	ReducerMin    Reducer = "min"
	ReducerMax    Reducer = "max"
	ReducerMosaic Reducer = "mosaic"
)

// reducerSynonyms maps folded lowercase spellings to canonical reducers.
var reducerSynonyms = map[string]Reducer{
	"mean":     ReducerMean,
	"avg":      ReducerMean,
	"average":  ReducerMean,
	"promedio": ReducerMean,
	"media":    ReducerMean,

	"median":  ReducerMedian,
	"mediana": ReducerMedian,

	"min":     ReducerMin,
	"minimum": ReducerMin,
	"minimo":  ReducerMin,

	"max":     ReducerMax,
	"maximum": ReducerMax,
	"maximo":  ReducerMax,

	"mosaic":  ReducerMosaic,
	"mosaico": ReducerMosaic,
	"first":   ReducerMosaic,
}

// ParseReducer resolves a reducer name case- and accent-insensitively.
func ParseReducer(s string) (Reducer, bool) {
	r, ok := reducerSynonyms[foldKey(s)]
	return r, ok
}

// ReducerNames lists the canonical reducer names in sorted order.
func ReducerNames() []string {
	return []string{
		string(ReducerMax),
		string(ReducerMean),
		string(ReducerMedian),
		string(ReducerMin),
		string(ReducerMosaic),
	}
}

// ReducerSynonyms returns every accepted spelling, sorted.
func ReducerSynonyms() []string {
	out := make([]string, 0, len(reducerSynonyms))
	for k := range reducerSynonyms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// foldKey lowercases and strips combining marks ("Mínimo" -> "minimo").
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return folded
}
