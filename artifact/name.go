// Package artifact assigns artifact identities and hands finished artifacts
// to persistence collaborators.
package artifact

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TimestampLayout is the UTC suffix appended to every name.
const TimestampLayout = "20060102_150405"

// Name returns prefix + SafeIdentifier(id) + "_" + UTC timestamp.
func Name(prefix, id string, ts time.Time) string {
	return prefix + SafeIdentifier(id) + "_" + ts.UTC().Format(TimestampLayout)
}

// SafeIdentifier folds s to a lowercase SQL-safe identifier: accents are
// stripped, every run of characters outside [a-z0-9_] becomes one "_",
// leading and trailing "_" are trimmed, and a leading digit gets a "t_"
// prefix. An empty result is "t".
func SafeIdentifier(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}

	out := strings.Trim(b.String(), "_")
	switch {
	case out == "":
		return "t"
	case out[0] < 'a' || out[0] > 'z':
		return "t_" + out
	}
	return out
}
