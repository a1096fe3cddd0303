package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"querybridge/internal/cache"
	"querybridge/internal/config"
	"querybridge/internal/data"
	"querybridge/internal/logger"
	"querybridge/internal/monitor"
	"querybridge/internal/security"
	"querybridge/internal/service"
	"querybridge/internal/store"
)

// app holds everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	catalog  *sql.DB
	store    *store.SQLStore
	cache    cache.Manager
	registry *prometheus.Registry
	recorder *logger.Recorder
	queries  *data.QueryRepo
	perms    *data.PermissionRepo
	audit    *data.AuditRepo
	results  *data.ResultRepo
	svc      *service.QueryService
}

func catalogPath(cfg *config.Config) string {
	if cfg.Database.Path != "" {
		return cfg.Database.Path
	}
	return data.DefaultPath()
}

// openCatalog initializes the logger and the migrated catalog only.
func openCatalog(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.Init(logger.Options{
		Dir:        cfg.Log.Dir,
		Level:      cfg.Log.Level,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	db, err := data.InitDB(ctx, catalogPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to init catalog: %w", err)
	}
	return &app{
		cfg:     cfg,
		log:     log,
		catalog: db,
		queries: data.NewQueryRepo(db),
		perms:   data.NewPermissionRepo(db),
		audit:   data.NewAuditRepo(db),
		results: data.NewResultRepo(db),
	}, nil
}

// newApp builds the full query service on top of openCatalog.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a, err := openCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// The catalog pool holds a single connection, so an sqlite data store
	// always gets its own pool even when it shares the catalog file.
	dsn := cfg.Store.DSN
	if cfg.Store.Driver == "sqlite" && dsn == "" {
		dsn = catalogPath(cfg) + "?_pragma=busy_timeout(5000)"
	}
	st, err := store.Open(ctx, cfg.Store.Driver, dsn, store.Options{
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	}, a.log)
	if err != nil {
		return err
	}
	a.store = st

	a.cache, err = cache.New(ctx, cache.Options{
		Backend:       cfg.Cache.Backend,
		Namespace:     cfg.Cache.Namespace,
		RedisAddr:     cfg.Cache.Redis.Addr,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
	}, a.log)
	if err != nil {
		return fmt.Errorf("failed to init cache: %w", err)
	}
	loader := cache.NewLoader(a.cache, a.log)
	loader.LockTTL = cfg.Cache.LockTTL
	loader.LockWait = cfg.Cache.LockWait

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(st.DB(), "store"),
	)

	a.recorder = logger.NewRecorder(a.log, a.audit, cfg.Executor.AuditBatchSize)
	sanitizer := security.NewSanitizer()
	checker := security.MembershipChecker{}

	a.svc = service.NewQueryService(service.ExecutorDeps{
		Queries:   a.queries,
		Results:   a.results,
		Store:     st,
		Validator: security.NewValidator(a.perms, checker, sanitizer),
		Sanitizer: sanitizer,
		Checker:   checker,
		Cache:     loader,
		Recorder:  a.recorder,
		Monitor:   monitor.NewMonitor(a.registry),
		Analytics: monitor.NewAnalytics(),
		Pool:      service.NewPool(cfg.Executor.Workers),
		Log:       a.log,
	}, service.Options{
		Executor: service.ExecutorOptions{
			DefaultCacheTTL: cfg.Cache.DefaultTTL,
			CacheRetries:    cfg.Cache.Retries,
			AsyncTimeout:    cfg.Executor.AsyncTimeout,
			PersistResults:  cfg.Executor.PersistResults,
			DefaultPageSize: cfg.Executor.DefaultPageSize,
			RawSQLGroups:    cfg.Executor.RawSQLGroups,
		},
		Orchestrator: service.OrchestratorOptions{
			BatchConcurrency: cfg.Executor.Workers,
			Retries:          cfg.Executor.Retries,
			RetryDelay:       cfg.Executor.RetryDelay,
			ChunkSize:        cfg.Executor.ChunkSize,
		},
	})
	return nil
}

// Close flushes the audit buffer and releases every handle.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close(ctx))
	}
	if c, ok := a.cache.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.catalog != nil {
		errs = append(errs, a.catalog.Close())
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
