package selector

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// TrustTable maps elevation data providers to a trust score in [0, 1].
// Providers are matched on a normalized key (lowercased, diacritics
// stripped) because catalog entries are free text typed by humans.
type TrustTable struct {
	scores  map[string]float64
	unknown float64
}

// DefaultTrustTable reflects operational experience with the catalog's
// providers: the national agencies deliver what their metadata claims,
// state aggregators are close behind, API vendors vary.
func DefaultTrustTable() *TrustTable {
	t := &TrustTable{
		scores:  make(map[string]float64),
		unknown: 0.5,
	}
	for name, score := range map[string]float64{
		"geoscience australia":         1.0,
		"ga":                           1.0,
		"linz":                         1.0,
		"land information new zealand": 1.0,
		"elvis":                        0.9,
		"nsw spatial services":         0.85,
		"qld government":               0.85,
		"gpxz":                         0.8,
		"google":                       0.6,
	} {
		t.scores[name] = score
	}
	return t
}

// Score returns the provider's trust, or the unknown default (0.5).
func (t *TrustTable) Score(provider string) float64 {
	if s, ok := t.scores[normalizeProvider(provider)]; ok {
		return s
	}
	return t.unknown
}

// Set registers or overrides a provider score.
func (t *TrustTable) Set(provider string, score float64) {
	t.scores[normalizeProvider(provider)] = clamp01(score)
}

// normalizeProvider folds a free-text provider name to a stable lookup key:
// NFD-decomposed, ASCII-only, lowercased, single-spaced.
func normalizeProvider(name string) string {
	decomposed := norm.NFD.String(name)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r <= 127 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(b.String())), " ")
}
