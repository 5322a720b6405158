// demctl is the operator CLI for the terrain service: inspect a unified
// index, check point coverage, and sample rasters directly without running
// the API.
//
// Usage:
//
//	demctl inspect --index=s3://bucket/unified_index.json
//	demctl coverage --index=./unified_index.json --lat=-27.4698 --lon=153.0251
//	demctl sample --file=s3://dem-au/brisbane/tile.tif --lat=-27.4698 --lon=153.0251
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/index"
	"github.com/summitline/terrain/internal/raster"
	"github.com/summitline/terrain/internal/selector"
)

var (
	flagIndex string
	flagLat   float64
	flagLon   float64
	flagFile  string
)

func main() {
	root := &cobra.Command{
		Use:           "demctl",
		Short:         "Operator tooling for the terrain elevation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "Load a unified index and print its load report and campaign summary",
		RunE:  runInspect,
	}
	inspect.Flags().StringVar(&flagIndex, "index", "", "index source (s3://bucket/key or local path)")
	inspect.MarkFlagRequired("index")

	coverage := &cobra.Command{
		Use:   "coverage",
		Short: "Show the selector's ordered candidates for a point",
		RunE:  runCoverage,
	}
	coverage.Flags().StringVar(&flagIndex, "index", "", "index source (s3://bucket/key or local path)")
	coverage.Flags().Float64Var(&flagLat, "lat", 0, "latitude (WGS84)")
	coverage.Flags().Float64Var(&flagLon, "lon", 0, "longitude (WGS84)")
	coverage.MarkFlagRequired("index")
	coverage.MarkFlagRequired("lat")
	coverage.MarkFlagRequired("lon")

	sample := &cobra.Command{
		Use:   "sample",
		Short: "Sample one raster file at a point",
		RunE:  runSample,
	}
	sample.Flags().StringVar(&flagFile, "file", "", "raster path (s3://bucket/key or local path)")
	sample.Flags().Float64Var(&flagLat, "lat", 0, "latitude (WGS84)")
	sample.Flags().Float64Var(&flagLon, "lon", 0, "longitude (WGS84)")
	sample.MarkFlagRequired("file")
	sample.MarkFlagRequired("lat")
	sample.MarkFlagRequired("lon")

	root.AddCommand(inspect, coverage, sample)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadIndex(ctx context.Context) (*index.Index, *index.LoadReport, *geo.TransformerCache, error) {
	transforms := geo.NewTransformerCache()

	loader := &index.Loader{Transformers: transforms}
	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		loader.S3 = s3.NewFromConfig(awsCfg)
	}

	ix, report, err := loader.Load(ctx, flagIndex)
	if err != nil {
		transforms.Close()
		return nil, nil, nil, err
	}
	return ix, report, transforms, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ix, report, transforms, err := loadIndex(cmd.Context())
	if err != nil {
		return err
	}
	defer transforms.Close()

	fmt.Printf("Unified index %s\n", flagIndex)
	fmt.Printf("  version:      %s\n", ix.Version)
	fmt.Printf("  generated_at: %s\n", ix.GeneratedAt)
	fmt.Printf("  size:         %s\n", humanize.Bytes(uint64(report.IndexBytes)))
	fmt.Printf("  collections:  %d loaded, %d dropped\n", report.CollectionsLoaded, report.CollectionsDropped)
	fmt.Printf("  files:        %d (%d dropped)\n", report.FilesTotal-report.FilesDropped, report.FilesDropped)
	fmt.Printf("  normalized:   %d bounds records (%d reprojected)\n", report.BoundsNormalized, report.BoundsReprojected)
	fmt.Println()

	byCountry := ix.Summaries()
	countries := make([]string, 0, len(byCountry))
	for c := range byCountry {
		countries = append(countries, c)
	}
	sort.Strings(countries)
	for _, country := range countries {
		campaigns := byCountry[country]
		fmt.Printf("%s: %d campaigns\n", country, len(campaigns))
		sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].Name < campaigns[j].Name })
		for _, c := range campaigns {
			fmt.Printf("  %-40s %4s %6.2fm  %5d files  p%d  %s\n",
				c.Name, c.DataType, c.ResolutionM, c.FileCount, c.Priority, c.Provider)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Printf("\n%d warnings:\n", len(report.Warnings))
		for _, w := range report.Warnings {
			fmt.Printf("  %s\n", w)
		}
	}
	return nil
}

func runCoverage(cmd *cobra.Command, args []string) error {
	ix, _, transforms, err := loadIndex(cmd.Context())
	if err != nil {
		return err
	}
	defer transforms.Close()

	sel := selector.New(ix)
	candidates, err := sel.Select(flagLat, flagLon)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Printf("No campaign coverage at (%.6f, %.6f); the chain would fall through to the APIs.\n", flagLat, flagLon)
		return nil
	}

	fmt.Printf("%d candidates at (%.6f, %.6f), best first:\n", len(candidates), flagLat, flagLon)
	for i, c := range candidates {
		fmt.Printf("%2d. score %.4f  %-36s %6.2fm  %d  %s\n",
			i+1, c.Score, c.Campaign.ID, c.File.ResolutionM, c.Campaign.MaxSurveyYear(), c.File.Path)
	}
	return nil
}

func runSample(cmd *cobra.Command, args []string) error {
	transforms := geo.NewTransformerCache()
	defer transforms.Close()

	h, err := raster.Open(flagFile)
	if err != nil {
		return err
	}
	defer h.Close()

	v, meta, err := h.SamplePoint(cmd.Context(), transforms, flagLat, flagLon)
	if err != nil {
		return err
	}

	out := map[string]any{
		"latitude":   flagLat,
		"longitude":  flagLon,
		"file":       flagFile,
		"native_crs": meta.NativeCRS,
	}
	if v != nil {
		out["elevation_m"] = *v
		out["pixel"] = []int{meta.Col, meta.Row}
	} else {
		out["elevation_m"] = nil
		out["reason"] = meta.Reason
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
