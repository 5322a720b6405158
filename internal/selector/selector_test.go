package selector

import (
	"fmt"
	"testing"
	"time"

	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/index"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
}

func makeCampaign(id string, resM float64, year, priority int, provider string, b geo.Bounds) *index.Campaign {
	c := &index.Campaign{
		ID:             id,
		Type:           index.CollectionAustralianUTM,
		Country:        "AU",
		SurveyYears:    []int{year},
		DataType:       "DEM",
		ResolutionM:    resM,
		Provider:       provider,
		Priority:       priority,
		CoverageBounds: b,
	}
	c.Files = []*index.FileRef{{
		Path:        fmt.Sprintf("s3://dem-au/%s/tile.tif", id),
		Filename:    "tile.tif",
		Bounds:      b,
		ResolutionM: resM,
	}}
	return c
}

func buildIndex(t *testing.T, campaigns ...*index.Campaign) *index.Index {
	t.Helper()
	return index.New(campaigns)
}

func TestSelect_ContainmentAndOrdering(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	coarse := makeCampaign("cccc", 5.0, 2015, 2, "GA", area)
	fine := makeCampaign("aaaa", 1.0, 2019, 1, "Geoscience Australia", area)
	elsewhere := makeCampaign("zzzz", 0.5, 2022, 1, "LINZ", geo.Bounds{MinLat: -38, MaxLat: -36, MinLon: 174, MaxLon: 176})

	s := New(buildIndex(t, coarse, fine, elsewhere), WithClock(fixedClock))
	got, err := s.Select(-27.4698, 153.0251)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	for _, c := range got {
		if !c.File.Bounds.Contains(-27.4698, 153.0251) {
			t.Errorf("candidate %s does not contain the query point", c.File.Path)
		}
	}
	if got[0].Campaign.ID != "aaaa" {
		t.Errorf("finest/newest campaign must rank first, got %s", got[0].Campaign.ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %f then %f", got[0].Score, got[1].Score)
	}
}

func TestSelect_Deterministic(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	campaigns := []*index.Campaign{
		makeCampaign("c-one", 1.0, 2019, 1, "GA", area),
		makeCampaign("c-two", 1.0, 2019, 1, "GA", area),
		makeCampaign("c-three", 2.0, 2021, 1, "LINZ", area),
	}
	s := New(buildIndex(t, campaigns...), WithClock(fixedClock))

	first, err := s.Select(-27.5, 153.0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := s.Select(-27.5, 153.0)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed", i)
		}
		for j := range again {
			if again[j].File.Path != first[j].File.Path || again[j].Score != first[j].Score {
				t.Fatalf("run %d: ordering changed at %d", i, j)
			}
		}
	}
}

func TestSelect_TieBreaks(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	// Identical in every scored dimension; only the id breaks the tie.
	b := makeCampaign("bravo", 1.0, 2019, 1, "GA", area)
	a := makeCampaign("alpha", 1.0, 2019, 1, "GA", area)

	s := New(buildIndex(t, b, a), WithClock(fixedClock))
	got, err := s.Select(-27.5, 153.0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Campaign.ID != "alpha" {
		t.Fatalf("lexicographic id tie-break failed: %v", ids(got))
	}
}

func TestSelect_ResolutionBeatsRecency(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	old1m := makeCampaign("old-fine", 1.0, 2010, 2, "GA", area)
	new30m := makeCampaign("new-coarse", 30.0, 2024, 1, "GA", area)

	s := New(buildIndex(t, old1m, new30m), WithClock(fixedClock))
	got, err := s.Select(-27.5, 153.0)
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Campaign.ID != "old-fine" {
		t.Error("a 2010 1m survey must outrank a 2024 30m survey")
	}
}

func TestSelect_EmptyOffCoverage(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	s := New(buildIndex(t, makeCampaign("c", 1.0, 2019, 1, "GA", area)), WithClock(fixedClock))

	got, err := s.Select(0.0, -160.0) // mid-Pacific
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no candidates mid-Pacific, got %d", len(got))
	}
}

func TestSelect_DropsCampaignWithoutMatchingFiles(t *testing.T) {
	// Coverage claims a wider area than any file actually spans.
	c := makeCampaign("wide", 1.0, 2019, 1, "GA",
		geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154})
	c.Files[0].Bounds = geo.Bounds{MinLat: -27.6, MaxLat: -27.5, MinLon: 153.0, MaxLon: 153.1}

	s := New(buildIndex(t, c), WithClock(fixedClock))
	got, err := s.Select(-27.1, 152.2) // inside coverage, outside the file
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("campaign without a matching file must be dropped, got %d", len(got))
	}
}

func TestSelect_EdgePointIsInside(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	s := New(buildIndex(t, makeCampaign("c", 1.0, 2019, 1, "GA", area)), WithClock(fixedClock))

	got, err := s.Select(-28, 152) // exact corner
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("bounds edges are closed; corner point must match, got %d", len(got))
	}
}

func TestScoreComponents(t *testing.T) {
	area := geo.Bounds{MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 154}
	s := New(buildIndex(t), WithClock(fixedClock))

	best := makeCampaign("best", 0.25, 2025, 1, "Geoscience Australia", area)
	if got := s.score(best, best.Files[0]); got < 0.99 || got > 1.0 {
		t.Errorf("ideal campaign should score ~1.0, got %f", got)
	}

	worst := makeCampaign("worst", 30.0, 2000, 4, "someone", area)
	// resolution 0, recency 0, priority 0.25*0.15, provider 0.5*0.10
	want := 0.15*0.25 + 0.10*0.5
	if got := s.score(worst, worst.Files[0]); !almostEqual(got, want) {
		t.Errorf("worst-case score = %f, want %f", got, want)
	}
}

func TestTrustTable(t *testing.T) {
	tt := DefaultTrustTable()
	if tt.Score("Geoscience Australia") != 1.0 {
		t.Error("GA should be fully trusted")
	}
	if tt.Score("GEOSCIENCE  AUSTRALIA") != 1.0 {
		t.Error("matching must ignore case and spacing")
	}
	if tt.Score("Métro Surveys") != 0.5 {
		t.Error("unknown providers default to 0.5")
	}
	tt.Set("Métro Surveys", 0.7)
	if tt.Score("metro surveys") != 0.7 {
		t.Error("diacritics must fold to the same key")
	}
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Campaign.ID
	}
	return out
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
