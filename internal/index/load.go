package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
)

// SupportedMajor is the unified index schema major version this build
// understands. An unknown major fails the load; a minor above 2 logs a
// warning, and any other minor loads without one.
const SupportedMajor = 2

// coverageTolerance is the slack, in degrees, allowed between a campaign's
// declared coverage and the union of its file bounds before a consistency
// warning is recorded.
const coverageTolerance = 0.01

// ObjectGetter is the slice of the S3 client the loader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// wire format (see the unified index JSON contract)

type rawIndex struct {
	Version         string          `json:"version"`
	GeneratedAt     string          `json:"generated_at"`
	DataCollections []rawCollection `json:"data_collections"`
}

type rawCollection struct {
	ID             string             `json:"id"`
	CollectionType string             `json:"collection_type"`
	Country        string             `json:"country"`
	Region         string             `json:"region"`
	SurveyName     string             `json:"survey_name"`
	SurveyYears    []int              `json:"survey_years"`
	DataType       string             `json:"data_type"`
	ResolutionM    float64            `json:"resolution_m"`
	Provider       string             `json:"provider"`
	Priority       int                `json:"priority"`
	CoverageBounds map[string]float64 `json:"coverage_bounds"`
	Files          []rawFile          `json:"files"`
	FileCount      int                `json:"file_count"`
	Metadata       map[string]any     `json:"metadata"`
}

type rawFile struct {
	File             string             `json:"file"`
	Filename         string             `json:"filename"`
	Bounds           map[string]float64 `json:"bounds"`
	SizeMB           float64            `json:"size_mb"`
	LastModified     string             `json:"last_modified"`
	Resolution       string             `json:"resolution"`
	CoordinateSystem string             `json:"coordinate_system"`
}

// LoadReport summarizes what the loader accepted, coerced, and dropped.
// Violations that do not abort the load are recorded here for operators.
type LoadReport struct {
	Source             string        `json:"source"`
	Version            string        `json:"version"`
	CollectionsTotal   int           `json:"collections_total"`
	CollectionsLoaded  int           `json:"collections_loaded"`
	CollectionsDropped int           `json:"collections_dropped"`
	FilesTotal         int           `json:"files_total"`
	FilesDropped       int           `json:"files_dropped"`
	BoundsNormalized   int           `json:"bounds_normalized"`
	BoundsReprojected  int           `json:"bounds_reprojected"`
	CoverageViolations int           `json:"coverage_violations"`
	IndexBytes         int64         `json:"index_bytes"`
	LoadDuration       time.Duration `json:"-"`
	Warnings           []string      `json:"warnings,omitempty"`
}

func (r *LoadReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Index is the immutable unified spatial index.
type Index struct {
	Version     string
	GeneratedAt time.Time
	Campaigns   []*Campaign

	byID map[string]*Campaign
	grid *campaignGrid
}

// Loader builds an Index from an object-storage key or a local file.
type Loader struct {
	S3           ObjectGetter
	Transformers *geo.TransformerCache
	GridSize     int
}

// Load reads, validates, and indexes the catalog. source is either
// "s3://bucket/key" or a filesystem path. Load failure is fatal to the
// caller; individual bad collections are dropped into the report instead.
func (l *Loader) Load(ctx context.Context, source string) (*Index, *LoadReport, error) {
	start := time.Now()
	report := &LoadReport{Source: source}

	data, err := l.fetch(ctx, source)
	if err != nil {
		return nil, report, fmt.Errorf("fetch index %s: %w", source, err)
	}
	report.IndexBytes = int64(len(data))

	var raw rawIndex
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, report, fmt.Errorf("parse index %s: %w", source, err)
	}
	report.Version = raw.Version

	if err := checkVersion(raw.Version); err != nil {
		return nil, report, err
	}

	ix := &Index{
		Version: raw.Version,
		byID:    make(map[string]*Campaign),
	}
	if t, err := time.Parse(time.RFC3339, raw.GeneratedAt); err == nil {
		ix.GeneratedAt = t
	}

	seenPaths := make(map[string]string)
	report.CollectionsTotal = len(raw.DataCollections)
	for _, rc := range raw.DataCollections {
		c, ok := l.buildCampaign(rc, seenPaths, report)
		if !ok {
			report.CollectionsDropped++
			continue
		}
		if _, dup := ix.byID[c.ID]; dup {
			report.warnf("duplicate campaign id %s dropped", c.ID)
			report.CollectionsDropped++
			continue
		}
		ix.byID[c.ID] = c
		ix.Campaigns = append(ix.Campaigns, c)
		report.CollectionsLoaded++
	}

	gridSize := l.GridSize
	if gridSize <= 0 {
		gridSize = DefaultGridSize
	}
	ix.grid = buildCampaignGrid(ix.Campaigns, gridSize)
	report.LoadDuration = time.Since(start)

	slog.Info("unified index loaded",
		"source", source,
		"version", raw.Version,
		"size", humanize.Bytes(uint64(report.IndexBytes)),
		"collections", report.CollectionsLoaded,
		"dropped", report.CollectionsDropped,
		"files", report.FilesTotal-report.FilesDropped,
		"bounds_normalized", report.BoundsNormalized,
		"duration", report.LoadDuration.Round(time.Millisecond),
	)
	return ix, report, nil
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "s3://") {
		if l.S3 == nil {
			return nil, fmt.Errorf("s3 source configured but no S3 client available")
		}
		u, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 url: %w", err)
		}
		out, err := l.S3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	}
	return os.ReadFile(source)
}

func checkVersion(version string) error {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 3)
	if len(parts) < 2 || parts[0] == "" {
		return errs.Newf(errs.KindSchemaVersion, "unparseable index version %q", version)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return errs.Newf(errs.KindSchemaVersion, "unparseable index version %q", version)
	}
	if major != SupportedMajor {
		return errs.Newf(errs.KindSchemaVersion,
			"index schema major version %d not supported (want %d)", major, SupportedMajor)
	}
	if minor, err := strconv.Atoi(strings.TrimSuffix(parts[1], "x")); err == nil && minor > 2 {
		slog.Warn("index schema minor version newer than this build", "version", version)
	}
	return nil
}

// buildCampaign validates one collection record. Returns ok=false when the
// record must be dropped; the reason lands in the report.
func (l *Loader) buildCampaign(rc rawCollection, seenPaths map[string]string, report *LoadReport) (*Campaign, bool) {
	id := strings.TrimSpace(rc.ID)
	if id == "" {
		report.warnf("collection with empty id dropped")
		return nil, false
	}
	if _, err := uuid.Parse(id); err != nil {
		// Non-UUID ids show up in hand-maintained indexes; accept but note.
		report.warnf("campaign %s: id is not a UUID", id)
	}

	ctype := CollectionType(rc.CollectionType)
	if !ctype.valid() {
		report.warnf("campaign %s: unknown collection_type %q, dropped", id, rc.CollectionType)
		return nil, false
	}
	if len(rc.Files) == 0 && ctype != CollectionAPISource {
		report.warnf("campaign %s: no files and not an api_source, dropped", id)
		return nil, false
	}

	priority := rc.Priority
	if priority < 1 || priority > 4 {
		report.warnf("campaign %s: priority %d clamped into [1,4]", id, priority)
		priority = clampInt(priority, 1, 4)
	}

	c := &Campaign{
		ID:          id,
		Type:        ctype,
		Country:     rc.Country,
		Region:      rc.Region,
		SurveyName:  rc.SurveyName,
		SurveyYears: rc.SurveyYears,
		DataType:    rc.DataType,
		ResolutionM: rc.ResolutionM,
		Provider:    rc.Provider,
		Priority:    priority,
	}
	if cs, ok := rc.Metadata["coordinate_system"].(string); ok {
		c.CoordinateSystem = cs
	}
	if vd, ok := rc.Metadata["vertical_datum"].(string); ok {
		c.VerticalDatum = vd
	}

	cov, err := l.normalizeRecordBounds(rc.CoverageBounds, c.CoordinateSystem, report)
	if err != nil {
		report.warnf("campaign %s: coverage bounds: %v, dropped", id, err)
		return nil, false
	}
	c.CoverageBounds = cov

	var fileUnion *geo.Bounds
	for _, rf := range rc.Files {
		report.FilesTotal++
		f, ok := l.buildFile(c, rf, seenPaths, report)
		if !ok {
			report.FilesDropped++
			continue
		}
		c.Files = append(c.Files, f)
		if fileUnion == nil {
			u := f.Bounds
			fileUnion = &u
		} else {
			u := fileUnion.Union(f.Bounds)
			fileUnion = &u
		}
	}
	if len(c.Files) == 0 && ctype != CollectionAPISource {
		report.warnf("campaign %s: every file record invalid, dropped", id)
		return nil, false
	}

	// Coverage must contain the union of file bounds. Violations are logged
	// but do not abort the load; the selector re-checks file bounds anyway.
	if fileUnion != nil && !c.CoverageBounds.ContainsBounds(*fileUnion, coverageTolerance) {
		report.CoverageViolations++
		slog.Warn("campaign coverage bounds narrower than file union",
			"campaign", c.ID,
			"coverage", c.CoverageBounds,
			"file_union", *fileUnion,
		)
	}

	tileSize := 0.0
	if ts, ok := rc.Metadata["tile_size_m"].(float64); ok {
		tileSize = ts
	}
	c.fileGrid = buildFileGrid(c, tileSize)
	return c, true
}

func (l *Loader) buildFile(c *Campaign, rf rawFile, seenPaths map[string]string, report *LoadReport) (*FileRef, bool) {
	path := strings.TrimSpace(rf.File)
	if path == "" {
		report.warnf("campaign %s: file record with empty path", c.ID)
		return nil, false
	}
	if owner, dup := seenPaths[path]; dup {
		report.warnf("campaign %s: file %s already indexed by campaign %s", c.ID, path, owner)
		return nil, false
	}

	b, err := l.normalizeRecordBounds(rf.Bounds, firstNonEmpty(rf.CoordinateSystem, c.CoordinateSystem), report)
	if err != nil {
		report.warnf("campaign %s: file %s: %v", c.ID, path, err)
		return nil, false
	}

	f := &FileRef{
		Path:        path,
		Filename:    rf.Filename,
		Bounds:      b,
		SizeBytes:   int64(rf.SizeMB * 1024 * 1024),
		ResolutionM: ParseResolution(rf.Resolution),
		NativeCRS:   rf.CoordinateSystem,
	}
	if f.Filename == "" {
		if i := strings.LastIndexByte(path, '/'); i >= 0 {
			f.Filename = path[i+1:]
		} else {
			f.Filename = path
		}
	}
	if f.ResolutionM == 0 {
		f.ResolutionM = c.ResolutionM
	}
	if t, err := time.Parse(time.RFC3339, rf.LastModified); err == nil {
		f.LastModified = t
	}
	seenPaths[path] = c.ID
	return f, true
}

// normalizeRecordBounds applies the canonical normalization; when that
// refuses projected coordinates and the record announces a projected CRS,
// the corners are reprojected to WGS84 instead of dropping the record.
func (l *Loader) normalizeRecordBounds(raw map[string]float64, crsHint string, report *LoadReport) (geo.Bounds, error) {
	b, coerced, err := geo.NormalizeBounds(raw)
	if err == nil {
		if coerced {
			report.BoundsNormalized++
		}
		return b, nil
	}
	if !errs.Is(err, errs.KindBoundsFormat) || crsHint == "" || l.Transformers == nil {
		return geo.Bounds{}, err
	}

	epsg, perr := geo.ParseEPSG(crsHint)
	if perr != nil || epsg == geo.EPSGWGS84 {
		return geo.Bounds{}, err
	}
	pb, ok := projectedFromRaw(raw)
	if !ok {
		return geo.Bounds{}, err
	}

	tr, terr := l.Transformers.FromNative(epsg)
	if terr != nil {
		return geo.Bounds{}, terr
	}
	// Reproject all four corners; a projected box is not axis-aligned in
	// WGS84, so take the hull.
	xs := []float64{pb.MinX, pb.MinX, pb.MaxX, pb.MaxX}
	ys := []float64{pb.MinY, pb.MaxY, pb.MinY, pb.MaxY}
	oks, terr := tr.TransformBatch(xs, ys)
	if terr != nil {
		return geo.Bounds{}, terr
	}
	out := geo.Bounds{MinLat: 90, MaxLat: -90, MinLon: 180, MaxLon: -180}
	for i := range xs {
		if !oks[i] {
			return geo.Bounds{}, errs.Newf(errs.KindBoundsFormat,
				"corner reprojection from EPSG:%d failed", epsg)
		}
		out.MinLon = min(out.MinLon, xs[i])
		out.MaxLon = max(out.MaxLon, xs[i])
		out.MinLat = min(out.MinLat, ys[i])
		out.MaxLat = max(out.MaxLat, ys[i])
	}
	report.BoundsReprojected++
	slog.Warn("reprojected projected bounds record to WGS84",
		"crs", crsHint,
		"min_lat", out.MinLat, "max_lat", out.MaxLat,
		"min_lon", out.MinLon, "max_lon", out.MaxLon,
	)
	return out, nil
}

func projectedFromRaw(raw map[string]float64) (geo.ProjectedBounds, bool) {
	need := []string{"min_x", "max_x", "min_y", "max_y"}
	for _, k := range need {
		if _, ok := raw[k]; !ok {
			return geo.ProjectedBounds{}, false
		}
	}
	return geo.ProjectedBounds{
		MinX: raw["min_x"], MaxX: raw["max_x"],
		MinY: raw["min_y"], MaxY: raw["max_y"],
	}, true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// New builds an index directly from campaigns, bypassing the JSON loader.
// Used by tests and by tools that synthesize catalogs.
func New(campaigns []*Campaign) *Index {
	ix := &Index{
		Version: fmt.Sprintf("%d.0", SupportedMajor),
		byID:    make(map[string]*Campaign),
	}
	for _, c := range campaigns {
		ix.byID[c.ID] = c
		ix.Campaigns = append(ix.Campaigns, c)
	}
	ix.grid = buildCampaignGrid(ix.Campaigns, DefaultGridSize)
	return ix
}

// Query returns every campaign whose coverage bounds contain the point.
func (ix *Index) Query(lat, lon float64) ([]*Campaign, error) {
	if ix == nil || ix.grid == nil {
		return nil, errs.New(errs.KindIndexNotReady, "unified index not loaded")
	}
	return ix.grid.query(lat, lon), nil
}

// Files returns the files within the campaign whose bounds contain the
// point, using the campaign's bucket grid when present.
func (ix *Index) Files(c *Campaign, lat, lon float64) []*FileRef {
	if c == nil {
		return nil
	}
	if c.fileGrid != nil {
		return c.fileGrid.query(lat, lon)
	}
	var out []*FileRef
	for _, f := range c.Files {
		if f.Bounds.Contains(lat, lon) {
			out = append(out, f)
		}
	}
	return out
}

// Campaign looks a campaign up by id.
func (ix *Index) Campaign(id string) *Campaign {
	if ix == nil {
		return nil
	}
	return ix.byID[id]
}

// Summaries groups campaign summaries by country for reporting surfaces.
func (ix *Index) Summaries() map[string][]CampaignSummary {
	out := make(map[string][]CampaignSummary)
	for _, c := range ix.Campaigns {
		country := c.Country
		if country == "" {
			country = "unknown"
		}
		out[country] = append(out[country], c.summary())
	}
	return out
}
