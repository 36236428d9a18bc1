package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/exprunner/cmd/exprunner/config"
	"github.com/TFMV/exprunner/pkg/cache"
	"github.com/TFMV/exprunner/pkg/execution"
	"github.com/TFMV/exprunner/pkg/infrastructure/converter"
	"github.com/TFMV/exprunner/pkg/infrastructure/memory"
	"github.com/TFMV/exprunner/pkg/infrastructure/metrics"
	"github.com/TFMV/exprunner/pkg/infrastructure/pool"
	"github.com/TFMV/exprunner/pkg/repositories"
	memstore "github.com/TFMV/exprunner/pkg/repositories/memory"
	"github.com/TFMV/exprunner/pkg/repositories/postgres"
	"github.com/TFMV/exprunner/pkg/runner"
	"github.com/TFMV/exprunner/pkg/services"
	"github.com/TFMV/exprunner/pkg/warehouse"
	"github.com/TFMV/exprunner/pkg/warehouse/athena"
	"github.com/TFMV/exprunner/pkg/warehouse/duckdb"
)

// app holds the wired components of one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	metrics  metrics.Collector
	analyzer *services.Analyzer
	runs     repositories.RunRepository
	leases   repositories.LeaseRepository

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewNoOpCollector()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.startMetrics()
	}

	client, err := a.openWarehouse(ctx)
	if err != nil {
		return nil, err
	}

	opts := []execution.Option{
		execution.WithMetrics(metrics.WithLabels(a.metrics, "warehouse", client.Capabilities().Name)),
	}
	if len(cfg.Warehouse.TransientPatterns) > 0 {
		opts = append(opts, execution.WithClassifier(execution.PatternClassifier(cfg.Warehouse.TransientPatterns...)))
	}
	exec := execution.NewExecutor(client, cfg.Execution, logger, opts...)

	results, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	alloc := memory.NewTrackedAllocator(nil, a.metrics)
	codec := converter.NewCodec(alloc, logger)

	entitlementCache := cache.New[string, bool](cache.DefaultConfig().WithTTL(cfg.Cache.EntitlementTTL))
	a.closers = append(a.closers, entitlementCache.Close)
	entitlements := services.NewCachedEntitlements(
		services.NewStaticEntitlements(cfg.Batching.Enabled, cfg.Batching.Organizations),
		entitlementCache,
	)

	a.analyzer = services.NewAnalyzer(
		exec,
		services.NewSQLBuilder(cfg.SavedFilters),
		entitlements,
		a.runs,
		results,
		codec,
		&loggerAdapter{logger: logger},
		logger,
		services.Options{
			Runner: runner.Options{
				Concurrency: cfg.Runner.Concurrency,
				SubmitRate:  cfg.Runner.SubmitRate,
				SubmitBurst: cfg.Runner.SubmitBurst,
				Metrics:     a.metrics,
			},
			MaxColumnsPerQuery: cfg.Warehouse.MaxColumnsPerQuery,
			MaxCacheAge:        cfg.Cache.MaxAge,
			MinCacheScore:      cfg.Cache.MinScore,
		},
	)
	return a, nil
}

func (a *app) startMetrics() {
	a.metrics = metrics.NewPrometheusCollector()
	server := metrics.NewMetricsServer(a.cfg.Metrics.Address, a.cfg.Metrics.Path)
	go func() {
		a.logger.Info().Str("address", a.cfg.Metrics.Address).Msg("Starting metrics server")
		if err := server.Start(); err != nil {
			a.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
}

func (a *app) openWarehouse(ctx context.Context) (warehouse.Client, error) {
	switch a.cfg.Warehouse.Type {
	case config.WarehouseAthena:
		client, err := athena.NewFromConfig(ctx, a.cfg.Warehouse.Athena, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create athena client: %w", err)
		}
		return client, nil
	default:
		p, err := pool.New(a.cfg.Warehouse.Pool, a.logger, pool.WithMetrics(a.metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb: %w", err)
		}
		client := duckdb.New(p, a.cfg.Warehouse.DuckDB, a.logger)
		a.closers = append(a.closers, func() {
			client.Close()
			_ = p.Close()
		})
		return client, nil
	}
}

func (a *app) openStores(ctx context.Context) (repositories.CacheRepository, error) {
	switch a.cfg.Store.Type {
	case config.StorePostgres:
		db, err := postgres.Connect(ctx, a.cfg.Store.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if a.cfg.Store.AutoMigrate {
			if err := postgres.Migrate(ctx, db, a.logger); err != nil {
				return nil, err
			}
		}
		a.runs = postgres.NewRunRepository(db, a.logger)
		a.leases = postgres.NewLeaseRepository(db, a.logger)
		return postgres.NewCacheRepository(db, a.logger), nil
	default:
		results := memstore.NewCacheRepository(a.cfg.Cache.Retention, a.cfg.Cache.Capacity, a.logger)
		a.closers = append(a.closers, results.Close)
		a.runs = memstore.NewRunRepository(a.logger)
		a.leases = memstore.NewLeaseRepository()
		return results, nil
	}
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
