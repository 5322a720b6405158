package index

import (
	"log/slog"

	"github.com/summitline/terrain/internal/geo"
)

// DefaultGridSize is the number of cells per dimension of the campaign grid.
// 50x50 keeps cell occupancy in the single digits for the production
// catalog (~1,500 campaigns) while staying trivially cheap to build.
const DefaultGridSize = 50

// campaignGrid is a uniform WGS84 grid over the global bounds of the index.
// Each cell lists every campaign whose coverage intersects it, so a point
// lookup inspects a single cell and then exact-tests the handful of
// campaigns there. Coarse by design: the grid may over-report (cells are
// bigger than campaigns) but can never miss a covering campaign.
type campaignGrid struct {
	size   int
	bounds geo.Bounds
	cells  map[[2]int][]*Campaign
}

func buildCampaignGrid(campaigns []*Campaign, size int) *campaignGrid {
	g := &campaignGrid{
		size:  size,
		cells: make(map[[2]int][]*Campaign),
	}
	if len(campaigns) == 0 {
		return g
	}

	gb := campaigns[0].CoverageBounds
	for _, c := range campaigns[1:] {
		gb = gb.Union(c.CoverageBounds)
	}
	// Pad the global bounds so points exactly on the outer edge still land
	// in a cell.
	const padding = 0.01
	gb.MinLat -= padding
	gb.MaxLat += padding
	gb.MinLon -= padding
	gb.MaxLon += padding
	g.bounds = gb

	for _, c := range campaigns {
		minRow, minCol := g.cellFor(c.CoverageBounds.MinLat, c.CoverageBounds.MinLon)
		maxRow, maxCol := g.cellFor(c.CoverageBounds.MaxLat, c.CoverageBounds.MaxLon)
		for row := minRow; row <= maxRow; row++ {
			for col := minCol; col <= maxCol; col++ {
				key := [2]int{row, col}
				g.cells[key] = append(g.cells[key], c)
			}
		}
	}

	occupied := len(g.cells)
	maxPerCell := 0
	total := 0
	for _, cs := range g.cells {
		total += len(cs)
		if len(cs) > maxPerCell {
			maxPerCell = len(cs)
		}
	}
	avg := 0.0
	if occupied > 0 {
		avg = float64(total) / float64(occupied)
	}
	slog.Info("campaign grid built",
		"campaigns", len(campaigns),
		"grid", size,
		"occupied_cells", occupied,
		"avg_per_cell", avg,
		"max_per_cell", maxPerCell,
	)
	return g
}

func (g *campaignGrid) cellFor(lat, lon float64) (row, col int) {
	latRange := g.bounds.MaxLat - g.bounds.MinLat
	lonRange := g.bounds.MaxLon - g.bounds.MinLon
	if latRange <= 0 || lonRange <= 0 {
		return 0, 0
	}
	row = int((lat - g.bounds.MinLat) / latRange * float64(g.size))
	col = int((lon - g.bounds.MinLon) / lonRange * float64(g.size))
	row = clampInt(row, 0, g.size-1)
	col = clampInt(col, 0, g.size-1)
	return row, col
}

// query returns every campaign whose exact coverage bounds contain the
// point.
func (g *campaignGrid) query(lat, lon float64) []*Campaign {
	row, col := g.cellFor(lat, lon)
	candidates := g.cells[[2]int{row, col}]
	if len(candidates) == 0 {
		return nil
	}
	out := make([]*Campaign, 0, len(candidates))
	for _, c := range candidates {
		if c.CoverageBounds.Contains(lat, lon) {
			out = append(out, c)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fileGrid buckets a campaign's files for O(1)-ish point lookup. Australian
// UTM-zone campaigns tile regularly at 1 km, announced via
// metadata.tile_size_m; the cell size follows the tile size, each file is
// registered in every bucket it overlaps, and a lookup reads a single
// bucket. Campaigns without an
// announced tile size get a default cell a few tiles wide, which still cuts
// the scan from thousands of files to tens.
type fileGrid struct {
	cellDeg float64
	origin  geo.Bounds
	cells   map[[2]int][]*FileRef
}

// fileGridThreshold is the file count below which a linear scan is cheaper
// than building buckets.
const fileGridThreshold = 64

func buildFileGrid(c *Campaign, tileSizeM float64) *fileGrid {
	if len(c.Files) < fileGridThreshold {
		return nil
	}
	centerLat := (c.CoverageBounds.MinLat + c.CoverageBounds.MaxLat) / 2
	latM, lonM := geo.MetersPerDegree(centerLat)

	cellDeg := 0.05
	if tileSizeM > 0 {
		// One bucket per tile, sized on the coarser axis so a file spans at
		// most a couple of buckets.
		cellDeg = tileSizeM / min(latM, lonM)
	}
	g := &fileGrid{
		cellDeg: cellDeg,
		origin:  c.CoverageBounds,
		cells:   make(map[[2]int][]*FileRef),
	}
	for _, f := range c.Files {
		minRow, minCol := g.cellFor(f.Bounds.MinLat, f.Bounds.MinLon)
		maxRow, maxCol := g.cellFor(f.Bounds.MaxLat, f.Bounds.MaxLon)
		for row := minRow; row <= maxRow; row++ {
			for col := minCol; col <= maxCol; col++ {
				key := [2]int{row, col}
				g.cells[key] = append(g.cells[key], f)
			}
		}
	}
	return g
}

func (g *fileGrid) cellFor(lat, lon float64) (row, col int) {
	row = int((lat - g.origin.MinLat) / g.cellDeg)
	col = int((lon - g.origin.MinLon) / g.cellDeg)
	return row, col
}

func (g *fileGrid) query(lat, lon float64) []*FileRef {
	row, col := g.cellFor(lat, lon)
	candidates := g.cells[[2]int{row, col}]
	if len(candidates) == 0 {
		return nil
	}
	out := make([]*FileRef, 0, 2)
	for _, f := range candidates {
		if f.Bounds.Contains(lat, lon) {
			out = append(out, f)
		}
	}
	return out
}
