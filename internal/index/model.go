// Package index implements the unified spatial index: the in-memory catalog
// of survey campaigns and their raster files, loaded once at startup from an
// object-storage JSON blob and immutable for the process lifetime.
//
// The index answers two questions: which campaigns cover a WGS84 point
// (grid-accelerated), and which files within a campaign contain it
// (bucketed per campaign). All bounds are WGS84-canonical after load.
package index

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/summitline/terrain/internal/geo"
)

// CollectionType distinguishes how a campaign's files are organized.
type CollectionType string

const (
	CollectionAustralianUTM CollectionType = "australian_utm_zone"
	CollectionNewZealand    CollectionType = "new_zealand_campaign"
	CollectionAPISource     CollectionType = "api_source"
)

func (t CollectionType) valid() bool {
	switch t {
	case CollectionAustralianUTM, CollectionNewZealand, CollectionAPISource:
		return true
	}
	return false
}

// FileRef describes one raster file in object storage.
type FileRef struct {
	// Path is the object-storage URI (s3://bucket/key).
	Path         string
	Filename     string
	Bounds       geo.Bounds
	SizeBytes    int64
	LastModified time.Time
	// ResolutionM is the pixel size in meters, inherited from the campaign
	// when the file record does not carry its own.
	ResolutionM float64
	// NativeCRS is informational from the catalog; the authoritative CRS is
	// resolved lazily from the raster header.
	NativeCRS string
}

// Campaign is one survey: the unit of provenance and prioritization.
type Campaign struct {
	ID          string
	Type        CollectionType
	Country     string
	Region      string
	SurveyName  string
	SurveyYears []int
	// DataType is DEM (bare earth) or DSM (surface). Treated identically by
	// the sampler; surfaced in metadata only.
	DataType    string
	ResolutionM float64
	Provider    string
	// Priority 1 (highest) .. 4.
	Priority       int
	CoverageBounds geo.Bounds
	Files          []*FileRef
	// VerticalDatum (AHD, NZVD2016, EGM2008, ...) is kept on the campaign
	// only; sample metadata and query results do not carry it, and no datum
	// conversion is applied.
	VerticalDatum string
	// CoordinateSystem is the campaign-level native CRS hint from metadata.
	CoordinateSystem string

	fileGrid *fileGrid
}

// MaxSurveyYear returns the newest survey year, or 0 when unknown.
func (c *Campaign) MaxSurveyYear() int {
	y := 0
	for _, v := range c.SurveyYears {
		if v > y {
			y = v
		}
	}
	return y
}

// ParseResolution converts catalog resolution strings like "1m", "0.5m" or
// "50cm" to meters. Returns 0 for anything unparseable so the campaign
// default applies.
func ParseResolution(s string) float64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	switch {
	case strings.HasSuffix(s, "cm"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "cm")), 64)
		if err != nil {
			return 0
		}
		return v / 100
	case strings.HasSuffix(s, "m"):
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "m")), 64)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// CampaignSummary is the reporting shape for /sources and demctl inspect.
type CampaignSummary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Country     string  `json:"country"`
	Region      string  `json:"region,omitempty"`
	Year        int     `json:"year,omitempty"`
	FileCount   int     `json:"file_count"`
	DataType    string  `json:"data_type"`
	ResolutionM float64 `json:"resolution_m"`
	Priority    int     `json:"priority"`
	Provider    string  `json:"provider"`
}

func (c *Campaign) summary() CampaignSummary {
	name := c.SurveyName
	if name == "" {
		name = c.ID
	}
	return CampaignSummary{
		ID:          c.ID,
		Name:        name,
		Country:     c.Country,
		Region:      c.Region,
		Year:        c.MaxSurveyYear(),
		FileCount:   len(c.Files),
		DataType:    c.DataType,
		ResolutionM: c.ResolutionM,
		Priority:    c.Priority,
		Provider:    c.Provider,
	}
}

// String implements fmt.Stringer for log lines.
func (c *Campaign) String() string {
	return fmt.Sprintf("%s (%s %s %.2gm, %d files)", c.ID, c.Country, c.DataType, c.ResolutionM, len(c.Files))
}
