// Terrain Elevation API
//
// Serves point, line, path, and polygon elevation queries against a catalog
// of survey campaign rasters in object storage, falling back to external
// elevation APIs where no campaign covers the point.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/summitline/terrain/internal/cache"
	"github.com/summitline/terrain/internal/config"
	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/handlers"
	"github.com/summitline/terrain/internal/index"
	custommw "github.com/summitline/terrain/internal/middleware"
	"github.com/summitline/terrain/internal/monitor"
	"github.com/summitline/terrain/internal/raster"
	"github.com/summitline/terrain/internal/selector"
	"github.com/summitline/terrain/internal/services"
	"github.com/summitline/terrain/internal/source"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// S3 client for index loading; raster reads go through GDAL's /vsis3/.
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BucketRegion))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	// Shared CRS transform cache.
	transforms := geo.NewTransformerCache()
	defer transforms.Close()

	// Load the unified index. Load failure is fatal; the service cannot
	// answer anything without it.
	loader := &index.Loader{S3: s3Client, Transformers: transforms, GridSize: cfg.GridSize}
	ix, report, err := loader.Load(ctx, cfg.IndexSource)
	if err != nil {
		log.Fatalf("Failed to load unified index: %v", err)
	}
	if report.CollectionsDropped > 0 {
		slog.Warn("index loaded with dropped collections",
			"dropped", report.CollectionsDropped,
			"warnings", len(report.Warnings),
		)
	}

	// Redis cache (optional - only if REDIS_URL reaches a server).
	var redisCache *cache.Cache
	if rc, err := cache.New(); err != nil {
		slog.Warn("redis cache initialization failed - caching disabled", "error", err)
	} else {
		redisCache = rc
		defer redisCache.Close()
	}

	// Core pipeline: selector -> dataset cache -> tiered chain.
	sel := selector.New(ix)
	datasets := raster.NewDatasetCache(cfg.DatasetCacheSize)
	defer datasets.Close()
	gate := source.NewReadGate(cfg.MaxConcurrentObjectReads, cfg.ReadQueueLength)
	mon := monitor.New(cfg.Performance.TargetMs, cfg.Performance.AlertMs)

	chain := source.NewChain(mon)
	chain.Add(
		source.NewS3Tier(sel, datasets, transforms, gate),
		source.TierConfig{Timeout: cfg.S3Tier.Timeout, MaxAttempts: cfg.S3Tier.MaxAttempts},
		source.NewBreaker("s3", 5, 30*time.Second),
		nil,
	)
	addAPITier(chain, "gpxz_api", cfg.TierGPXZ, "elevation", redisCache)
	addAPITier(chain, "google_api", cfg.TierGoogle, "result.elevation", redisCache)

	svcOpts := []services.Option{
		services.WithRequestDeadline(cfg.RequestDeadline),
		services.WithPathParallelism(cfg.PathParallelism),
		services.WithWindowSampler(services.NewRasterWindowSampler(sel, datasets, transforms)),
	}
	if redisCache != nil {
		svcOpts = append(svcOpts, services.WithCache(redisCache))
	}
	svc := services.New(chain, mon, svcOpts...)

	h := handlers.New(svc, ix, mon)

	// Setup router
	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.Logger)
	r.Use(custommw.Recoverer)
	r.Use(custommw.Timeout(30 * time.Second))
	r.Use(custommw.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", custommw.APIKeyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(custommw.ContentType("application/json"))
		r.Use(custommw.APIKey(cfg.APIKey))

		r.Get("/elevation", h.GetElevation)
		r.Post("/elevation/point", h.PostPoint)
		r.Post("/elevation/line", h.PostLine)
		r.Post("/elevation/path", h.PostPath)
		r.Post("/elevation/polygon/points", h.PostPolygonPoints)

		r.Get("/sources", h.GetSources)
		r.Get("/performance", h.GetPerformance)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("starting server",
			"addr", srv.Addr,
			"environment", cfg.Server.Environment,
			"campaigns", len(ix.Campaigns),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	slog.Info("server exited")
}

// addAPITier wires one external elevation API into the chain, skipping
// tiers without an endpoint configured.
func addAPITier(chain *source.Chain, id string, tierCfg config.APITier, elevationField string, redisCache *cache.Cache) {
	if !tierCfg.Enabled() {
		slog.Info("api tier not configured, skipping", "tier", id)
		return
	}
	tier := source.NewAPITier(source.APIConfig{
		ID:             id,
		Endpoint:       tierCfg.Endpoint,
		Key:            tierCfg.Key,
		ElevationField: elevationField,
	}, nil)

	var quota *source.QuotaLimiter
	if redisCache != nil {
		quota = source.NewQuotaLimiter(id, tierCfg.RPS, tierCfg.DailyBudget, redisCache.Client())
	} else {
		quota = source.NewQuotaLimiter(id, tierCfg.RPS, tierCfg.DailyBudget, nil)
	}

	chain.Add(tier,
		source.TierConfig{
			Timeout:     tierCfg.Timeout,
			MaxAttempts: tierCfg.MaxAttempts,
			CostPerCall: tierCfg.CostPerCall,
		},
		source.NewBreaker(id, 5, 30*time.Second),
		quota,
	)
	slog.Info("api tier configured",
		"tier", id,
		"rps", tierCfg.RPS,
		"daily_budget", tierCfg.DailyBudget,
	)
}
