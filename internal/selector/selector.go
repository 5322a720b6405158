// Package selector turns a WGS84 point into a deterministically ordered
// list of (campaign, file) candidates to sample, scored on resolution,
// recency, priority, and provider trust.
package selector

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/summitline/terrain/internal/index"
)

// Candidate is one (campaign, file) pair with its selection score.
type Candidate struct {
	Campaign *index.Campaign
	File     *index.FileRef
	Score    float64
}

// Scoring weights. They sum to 1.0; resolution dominates because submeter
// accuracy is the whole point of preferring a campaign raster over an API.
const (
	weightResolution = 0.55
	weightRecency    = 0.20
	weightPriority   = 0.15
	weightProvider   = 0.10

	bestResolutionM  = 0.25
	worstResolutionM = 30.0
	recencyEpochYear = 2000
)

// DefaultCacheSize bounds the per-point result cache. Results are tiny
// (slice headers into the immutable index), so this is generous.
const DefaultCacheSize = 4096

// Selector answers point queries against a loaded index.
type Selector struct {
	index *index.Index
	trust *TrustTable
	now   func() time.Time
	cache *lru.Cache[string, []Candidate]
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the recency reference clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithCacheSize overrides the result cache capacity.
func WithCacheSize(n int) Option {
	return func(s *Selector) {
		if c, err := lru.New[string, []Candidate](n); err == nil {
			s.cache = c
		}
	}
}

// WithTrustTable overrides the provider trust table.
func WithTrustTable(t *TrustTable) Option {
	return func(s *Selector) { s.trust = t }
}

// New creates a selector over the given (immutable) index.
func New(ix *index.Index, opts ...Option) *Selector {
	s := &Selector{
		index: ix,
		trust: DefaultTrustTable(),
		now:   time.Now,
	}
	s.cache, _ = lru.New[string, []Candidate](DefaultCacheSize)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the ordered candidate list for the point. An empty slice
// means no campaign raster covers the point and the source chain should
// fall through to the API tiers. Results are cached per rounded coordinate;
// the cache lives as long as the index (immutable per process).
func (s *Selector) Select(lat, lon float64) ([]Candidate, error) {
	key := cacheKey(lat, lon)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	campaigns, err := s.index.Query(lat, lon)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, c := range campaigns {
		if c.Type == index.CollectionAPISource {
			continue
		}
		files := s.index.Files(c, lat, lon)
		if len(files) == 0 {
			// Coverage said yes but no file contains the point; the
			// campaign's declared bounds are wider than its data.
			slog.Warn("bounds consistency: campaign covers point but no file does",
				"campaign", c.ID, "lat", lat, "lon", lon)
			continue
		}
		for _, f := range files {
			out = append(out, Candidate{
				Campaign: c,
				File:     f,
				Score:    s.score(c, f),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	s.cache.Add(key, out)
	return out, nil
}

// score computes the weighted quality of a (campaign, file) pair. Higher is
// better; each factor is clamped to [0, 1].
func (s *Selector) score(c *index.Campaign, f *index.FileRef) float64 {
	res := f.ResolutionM
	if res <= 0 {
		res = c.ResolutionM
	}
	resScore := 0.0
	if res > 0 {
		// 0.25 m scores 1.0, 30 m scores 0.0, log-spaced between.
		resScore = clamp01(1 - math.Log10(res/bestResolutionM)/math.Log10(worstResolutionM/bestResolutionM))
	}

	recScore := 0.0
	if y := c.MaxSurveyYear(); y > 0 {
		span := float64(s.now().Year() - recencyEpochYear)
		if span > 0 {
			recScore = clamp01(float64(y-recencyEpochYear) / span)
		}
	}

	prioScore := clamp01(float64(5-c.Priority) / 4)
	trustScore := s.trust.Score(c.Provider)

	return weightResolution*resScore +
		weightRecency*recScore +
		weightPriority*prioScore +
		weightProvider*trustScore
}

// less orders candidates best-first: score descending, then the
// deterministic tie-break chain (finer resolution, newer survey, campaign
// id, file path).
func less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	ar, br := effectiveResolution(a), effectiveResolution(b)
	if ar != br {
		return ar < br
	}
	ay, by := a.Campaign.MaxSurveyYear(), b.Campaign.MaxSurveyYear()
	if ay != by {
		return ay > by
	}
	if a.Campaign.ID != b.Campaign.ID {
		return a.Campaign.ID < b.Campaign.ID
	}
	return a.File.Path < b.File.Path
}

func effectiveResolution(c Candidate) float64 {
	if c.File.ResolutionM > 0 {
		return c.File.ResolutionM
	}
	return c.Campaign.ResolutionM
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
