package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
)

const fixtureIndex = `{
  "version": "2.0",
  "generated_at": "2025-11-02T04:10:00Z",
  "data_collections": [
    {
      "id": "7c9f6c3a-0b58-4d3c-9a51-6f2e8f0a1d21",
      "collection_type": "australian_utm_zone",
      "country": "AU",
      "region": "queensland",
      "survey_name": "Brisbane_2019_Prj",
      "survey_years": [2019],
      "data_type": "DEM",
      "resolution_m": 1.0,
      "provider": "Geoscience Australia",
      "priority": 1,
      "coverage_bounds": {"min_lat": -27.7, "max_lat": -27.2, "min_lon": 152.8, "max_lon": 153.3},
      "metadata": {"coordinate_system": "EPSG:28356", "vertical_datum": "AHD"},
      "files": [
        {
          "file": "s3://dem-au/brisbane/Brisbane_2019_SW_465_6970_1k.tif",
          "filename": "Brisbane_2019_SW_465_6970_1k.tif",
          "bounds": {"min_lat": -27.50, "max_lat": -27.40, "min_lon": 153.00, "max_lon": 153.10},
          "size_mb": 4.2,
          "last_modified": "2020-02-01T00:00:00Z",
          "resolution": "1m"
        },
        {
          "file": "s3://dem-au/brisbane/Brisbane_2019_SW_466_6970_1k.tif",
          "filename": "Brisbane_2019_SW_466_6970_1k.tif",
          "bounds": {"left": 153.10, "right": 153.20, "bottom": -27.50, "top": -27.40},
          "size_mb": 4.0,
          "last_modified": "2020-02-01T00:00:00Z",
          "resolution": "1m"
        }
      ]
    },
    {
      "id": "a1d7e9b4-88a2-4a3f-b7e2-3a2a8a6a9f10",
      "collection_type": "new_zealand_campaign",
      "country": "NZ",
      "region": "auckland",
      "survey_name": "Auckland_North_2016",
      "survey_years": [2016, 2018],
      "data_type": "DEM",
      "resolution_m": 1.0,
      "provider": "LINZ",
      "priority": 2,
      "coverage_bounds": {"min_x": 174.5, "max_x": 175.0, "min_y": -37.1, "max_y": -36.6},
      "metadata": {"coordinate_system": "EPSG:2193"},
      "files": [
        {
          "file": "s3://dem-nz/auckland/DEM_BA32_2016_1000_1052.tif",
          "bounds": {"min_x": 174.70, "max_x": 174.80, "min_y": -36.90, "max_y": -36.80},
          "size_mb": 3.1,
          "resolution": "1m",
          "coordinate_system": "EPSG:2193"
        }
      ]
    },
    {
      "id": "gpxz_api",
      "collection_type": "api_source",
      "country": "global",
      "data_type": "DEM",
      "resolution_m": 30.0,
      "provider": "GPXZ",
      "priority": 3,
      "coverage_bounds": {"min_lat": -90, "max_lat": 90, "min_lon": -180, "max_lon": 180},
      "files": []
    },
    {
      "id": "2b7d0c9e-5555-4e8f-9f00-000000000001",
      "collection_type": "australian_utm_zone",
      "country": "AU",
      "data_type": "DEM",
      "resolution_m": 5.0,
      "provider": "GA",
      "priority": 2,
      "coverage_bounds": {"west": 1, "east": 2, "south": 3, "north": 4},
      "files": [
        {"file": "s3://dem-au/bad/x.tif", "bounds": {"min_lat": 0, "max_lat": 1, "min_lon": 0, "max_lon": 1}, "size_mb": 1}
      ]
    }
  ]
}`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "unified_index.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadFixture(t *testing.T) (*Index, *LoadReport) {
	t.Helper()
	l := &Loader{}
	ix, report, err := l.Load(context.Background(), writeFixture(t, fixtureIndex))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return ix, report
}

func TestLoad_Basics(t *testing.T) {
	ix, report := loadFixture(t)

	if report.CollectionsLoaded != 3 {
		t.Errorf("expected 3 loaded collections, got %d", report.CollectionsLoaded)
	}
	if report.CollectionsDropped != 1 {
		t.Errorf("expected the bad-bounds collection dropped, got %d", report.CollectionsDropped)
	}
	if report.BoundsNormalized == 0 {
		t.Error("expected legacy bounds records to be counted")
	}

	c := ix.Campaign("7c9f6c3a-0b58-4d3c-9a51-6f2e8f0a1d21")
	if c == nil {
		t.Fatal("brisbane campaign missing")
	}
	if c.VerticalDatum != "AHD" {
		t.Errorf("vertical datum not captured: %q", c.VerticalDatum)
	}
	if len(c.Files) != 2 {
		t.Fatalf("expected 2 brisbane files, got %d", len(c.Files))
	}
	if c.Files[0].ResolutionM != 1.0 {
		t.Errorf("file resolution parse failed: %v", c.Files[0].ResolutionM)
	}
	if c.Files[0].SizeBytes != int64(4.2*1024*1024) {
		t.Errorf("size_mb conversion wrong: %d", c.Files[0].SizeBytes)
	}
}

func TestLoad_SchemaVersion(t *testing.T) {
	l := &Loader{}
	bad := `{"version": "3.0", "generated_at": "2025-01-01T00:00:00Z", "data_collections": []}`
	_, _, err := l.Load(context.Background(), writeFixture(t, bad))
	if err == nil {
		t.Fatal("expected major version mismatch to fail")
	}
	if !errs.Is(err, errs.KindSchemaVersion) {
		t.Errorf("expected schema_version kind, got %v", err)
	}

	ok := `{"version": "2.1", "generated_at": "2025-01-01T00:00:00Z", "data_collections": []}`
	if _, _, err := l.Load(context.Background(), writeFixture(t, ok)); err != nil {
		t.Errorf("minor version mismatch must only warn: %v", err)
	}
}

func TestLoad_EmptyFilesRequiresAPISource(t *testing.T) {
	l := &Loader{}
	body := `{"version": "2.0", "generated_at": "2025-01-01T00:00:00Z", "data_collections": [
	  {"id": "c1", "collection_type": "australian_utm_zone", "country": "AU", "data_type": "DEM",
	   "resolution_m": 1, "provider": "GA", "priority": 1,
	   "coverage_bounds": {"min_lat": -28, "max_lat": -27, "min_lon": 152, "max_lon": 153},
	   "files": []}]}`
	_, report, err := l.Load(context.Background(), writeFixture(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.CollectionsLoaded != 0 || report.CollectionsDropped != 1 {
		t.Errorf("fileless non-api collection must be dropped: %+v", report)
	}
}

func TestLoad_DuplicateFilePaths(t *testing.T) {
	l := &Loader{}
	body := `{"version": "2.0", "generated_at": "2025-01-01T00:00:00Z", "data_collections": [
	  {"id": "c1", "collection_type": "new_zealand_campaign", "country": "NZ", "data_type": "DEM",
	   "resolution_m": 1, "provider": "LINZ", "priority": 1,
	   "coverage_bounds": {"min_lat": -37, "max_lat": -36, "min_lon": 174, "max_lon": 175},
	   "files": [
	     {"file": "s3://b/k.tif", "bounds": {"min_lat": -36.9, "max_lat": -36.8, "min_lon": 174.7, "max_lon": 174.8}, "size_mb": 1},
	     {"file": "s3://b/k.tif", "bounds": {"min_lat": -36.8, "max_lat": -36.7, "min_lon": 174.7, "max_lon": 174.8}, "size_mb": 1}
	   ]}]}`
	_, report, err := l.Load(context.Background(), writeFixture(t, body))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.FilesDropped != 1 {
		t.Errorf("duplicate path must be dropped, report: %+v", report)
	}
}

func TestQuery_GridContainment(t *testing.T) {
	ix, _ := loadFixture(t)

	cs, err := ix.Query(-27.4698, 153.0251)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	found := map[string]bool{}
	for _, c := range cs {
		found[c.ID] = true
		if !c.CoverageBounds.Contains(-27.4698, 153.0251) {
			t.Errorf("campaign %s returned without containing the point", c.ID)
		}
	}
	if !found["7c9f6c3a-0b58-4d3c-9a51-6f2e8f0a1d21"] {
		t.Error("brisbane campaign not found for brisbane point")
	}
	if !found["gpxz_api"] {
		t.Error("global api_source campaign should cover every point")
	}
	if found["a1d7e9b4-88a2-4a3f-b7e2-3a2a8a6a9f10"] {
		t.Error("auckland campaign must not match a brisbane point")
	}
}

// The grid may over-report per cell but must never miss a covering
// campaign, including points exactly on coverage edges.
func TestQuery_NoFalseNegatives(t *testing.T) {
	ix, _ := loadFixture(t)
	c := ix.Campaign("7c9f6c3a-0b58-4d3c-9a51-6f2e8f0a1d21")

	probes := [][2]float64{
		{c.CoverageBounds.MinLat, c.CoverageBounds.MinLon},
		{c.CoverageBounds.MaxLat, c.CoverageBounds.MaxLon},
		{c.CoverageBounds.MinLat, c.CoverageBounds.MaxLon},
		{c.CoverageBounds.MaxLat, c.CoverageBounds.MinLon},
		{(c.CoverageBounds.MinLat + c.CoverageBounds.MaxLat) / 2, (c.CoverageBounds.MinLon + c.CoverageBounds.MaxLon) / 2},
	}
	for _, p := range probes {
		cs, err := ix.Query(p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}
		ok := false
		for _, got := range cs {
			ok = ok || got.ID == c.ID
		}
		if !ok {
			t.Errorf("grid missed covering campaign at (%.4f, %.4f)", p[0], p[1])
		}
	}
}

func TestFiles_PointLookup(t *testing.T) {
	ix, _ := loadFixture(t)
	c := ix.Campaign("7c9f6c3a-0b58-4d3c-9a51-6f2e8f0a1d21")

	fs := ix.Files(c, -27.45, 153.05)
	if len(fs) != 1 || fs[0].Filename != "Brisbane_2019_SW_465_6970_1k.tif" {
		t.Fatalf("expected the 465 tile, got %v", fs)
	}

	// Shared edge between the two tiles: both contain it (closed intervals).
	fs = ix.Files(c, -27.45, 153.10)
	if len(fs) != 2 {
		t.Errorf("expected both tiles on the shared edge, got %d", len(fs))
	}

	if fs := ix.Files(c, -27.45, 153.50); len(fs) != 0 {
		t.Errorf("expected no files outside tile bounds, got %d", len(fs))
	}
}

func TestFiles_BucketGridMatchesLinear(t *testing.T) {
	// Build a campaign large enough to trigger the bucket grid and verify
	// it agrees with a linear scan.
	c := &Campaign{
		ID:          "synthetic",
		Type:        CollectionAustralianUTM,
		ResolutionM: 1,
		CoverageBounds: geo.Bounds{
			MinLat: -28, MaxLat: -27, MinLon: 152, MaxLon: 153,
		},
	}
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			c.Files = append(c.Files, &FileRef{
				Path: fmt.Sprintf("s3://b/t_%d_%d.tif", i, j),
				Bounds: geo.Bounds{
					MinLat: -28 + float64(i)*0.1, MaxLat: -28 + float64(i+1)*0.1,
					MinLon: 152 + float64(j)*0.1, MaxLon: 152 + float64(j+1)*0.1,
				},
			})
		}
	}
	c.fileGrid = buildFileGrid(c, 1000)
	if c.fileGrid == nil {
		t.Fatal("expected a bucket grid for 100 files")
	}

	ix := &Index{grid: buildCampaignGrid([]*Campaign{c}, DefaultGridSize)}
	probes := [][2]float64{
		{-27.55, 152.55}, {-28, 152}, {-27, 153}, {-27.5, 152.1}, {-27.95, 152.95},
	}
	for _, p := range probes {
		got := ix.Files(c, p[0], p[1])
		var want []*FileRef
		for _, f := range c.Files {
			if f.Bounds.Contains(p[0], p[1]) {
				want = append(want, f)
			}
		}
		if len(got) != len(want) {
			t.Errorf("probe (%.2f, %.2f): bucket grid %d files, linear %d", p[0], p[1], len(got), len(want))
		}
	}
}

func TestQuery_NotReady(t *testing.T) {
	var ix *Index
	if _, err := ix.Query(0, 0); !errs.Is(err, errs.KindIndexNotReady) {
		t.Errorf("nil index must report index_not_ready, got %v", err)
	}
	empty := &Index{}
	if _, err := empty.Query(0, 0); !errs.Is(err, errs.KindIndexNotReady) {
		t.Errorf("unbuilt index must report index_not_ready, got %v", err)
	}
}

func TestParseResolution(t *testing.T) {
	cases := map[string]float64{
		"1m": 1, "0.5m": 0.5, "50cm": 0.5, "30m": 30, "2": 2, "": 0, "fine": 0,
	}
	for in, want := range cases {
		if got := ParseResolution(in); got != want {
			t.Errorf("ParseResolution(%q) = %v, want %v", in, got, want)
		}
	}
}
