// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/ingest-scheduler/internal/config"
	"github.com/bissquit/ingest-scheduler/internal/controlloop"
	"github.com/bissquit/ingest-scheduler/internal/ingest"
	"github.com/bissquit/ingest-scheduler/internal/ingest/httpsource"
	ingestpostgres "github.com/bissquit/ingest-scheduler/internal/ingest/postgres"
	"github.com/bissquit/ingest-scheduler/internal/ingest/sqlite"
	"github.com/bissquit/ingest-scheduler/internal/ingest/webhook"
	"github.com/bissquit/ingest-scheduler/internal/pkg/ctxlog"
	"github.com/bissquit/ingest-scheduler/internal/pkg/httputil"
	"github.com/bissquit/ingest-scheduler/internal/pkg/metrics"
	"github.com/bissquit/ingest-scheduler/internal/pkg/postgres"
	"github.com/bissquit/ingest-scheduler/internal/version"
	"github.com/bissquit/ingest-scheduler/migrations"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const statsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config *config.Config
	logger *slog.Logger

	// Exactly one of pool and sqlDB is set.
	pool  *pgxpool.Pool
	sqlDB *sql.DB
	lock  *postgres.AdvisoryLock

	queue     *ingest.Queue
	scheduler *ingest.Scheduler
	loop      *controlloop.Loop

	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	repo, err := app.openStore()
	if err != nil {
		_ = app.closeStore(context.Background())
		return nil, err
	}

	if err := app.buildPipeline(repo); err != nil {
		_ = app.closeStore(context.Background())
		return nil, err
	}

	metrics.RecordBuildInfo(version.Version, version.GitCommit)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel
	go app.collectDBMetrics(metricsCtx)
	go app.collectQueueMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// openStore connects the configured store. With PostgreSQL it also applies
// migrations and takes the single-instance advisory lock.
func (a *App) openStore() (ingest.Repository, error) {
	cfg := a.config

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer cancel()

		db, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.sqlDB = db
		a.logger.Info("using sqlite store", "path", cfg.SQLite.Path)
		return sqlite.NewRepository(db), nil

	default:
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
		defer cancel()

		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool

		lock, err := postgres.TryAdvisoryLock(ctx, pool, cfg.Database.LockID)
		if err != nil {
			return nil, fmt.Errorf("single instance guard: %w", err)
		}
		a.lock = lock
		return ingestpostgres.NewRepository(pool), nil
	}
}

func (a *App) buildPipeline(repo ingest.Repository) error {
	cfg := a.config

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	admission := ingest.NewAdmission(ingest.AdmissionConfig{
		DailyQuota:      cfg.Admission.DailyQuota,
		MinSpacing:      cfg.Admission.MinSpacing,
		MaxSpacing:      cfg.Admission.MaxSpacing,
		DayBoundaryHour: cfg.Admission.DayBoundaryHour,
		Location:        loc,
	})
	a.queue = ingest.NewQueue(ingest.QueueConfig{MaxAttempts: cfg.Queue.MaxAttempts}, repo, admission)

	classifier := ingest.DefaultClassifier()
	if len(cfg.Executor.ThrottleSignatures) > 0 {
		classifier.ThrottleSignatures = cfg.Executor.ThrottleSignatures
	}
	if len(cfg.Executor.PermanentSignatures) > 0 {
		classifier.PermanentSignatures = cfg.Executor.PermanentSignatures
	}
	if cfg.Executor.ThrottleCooldown > 0 {
		classifier.DefaultCooldown = cfg.Executor.ThrottleCooldown
	}

	worker, err := httpsource.NewWorker(httpsource.Config{
		URL:       cfg.Worker.URL,
		AuthToken: cfg.Worker.AuthToken,
		Timeout:   cfg.Worker.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	var discovery ingest.Discovery = ingest.NopDiscovery{}
	if cfg.Discovery.URL != "" {
		d, err := httpsource.NewDiscovery(httpsource.Config{
			URL:       cfg.Discovery.URL,
			AuthToken: cfg.Discovery.AuthToken,
			Timeout:   cfg.Discovery.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create discovery: %w", err)
		}
		discovery = d
	} else {
		slog.Warn("discovery is disabled: work is only enqueued through the API")
	}

	var forwarder ingest.Forwarder = ingest.NopForwarder{}
	if cfg.Forward.URL != "" {
		f, err := webhook.NewForwarder(webhook.Config{
			URL:         cfg.Forward.URL,
			AuthToken:   cfg.Forward.AuthToken,
			Timeout:     cfg.Forward.Timeout,
			RateLimit:   cfg.Forward.RateLimit,
			MaxAttempts: cfg.Forward.MaxAttempts,
		})
		if err != nil {
			return fmt.Errorf("create forwarder: %w", err)
		}
		forwarder = f
	} else {
		slog.Warn("forwarding is disabled: results are not sent downstream")
	}

	reporter := ingest.NewPromReporter(prometheus.DefaultRegisterer)
	executor := ingest.NewExecutor(
		ingest.ExecutorConfig{ExecTimeout: cfg.Executor.ExecTimeout},
		worker,
		forwarder,
		reporter,
		classifier,
	)

	a.scheduler = ingest.NewScheduler(ingest.SchedulerConfig{
		DiscoverSchedule:  cfg.Scheduler.Discover,
		DrainSchedule:     cfg.Scheduler.Drain,
		PruneSchedule:     cfg.Scheduler.Prune,
		HealthSchedule:    cfg.Scheduler.Health,
		TriggerTimeout:    cfg.Scheduler.TriggerTimeout,
		DrainBatch:        cfg.Scheduler.DrainBatch,
		Retention:         cfg.Scheduler.Retention,
		StuckThreshold:    cfg.Scheduler.StuckThreshold,
		DiscoverLookback:  cfg.Scheduler.DiscoverLookback,
		DiscoveryPriority: cfg.Scheduler.DiscoveryPriority,
	}, a.queue, executor, discovery, reporter)

	a.loop = controlloop.New(controlloop.Config{
		PoolSize: cfg.Scheduler.PoolSize,
		Location: loc,
	})
	if err := a.scheduler.Register(a.loop); err != nil {
		return fmt.Errorf("register triggers: %w", err)
	}

	slog.Info("pipeline configured",
		"storage", cfg.Storage.Driver,
		"daily_quota", admission.Config().DailyQuota,
		"max_attempts", a.queue.MaxAttempts(),
		"exec_timeout", executor.ExecTimeout(),
	)
	return nil
}

// Run recovers orphaned work, starts the control loop and serves HTTP until
// Shutdown.
func (a *App) Run() error {
	if a.config.Queue.RecoverOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), a.config.Scheduler.TriggerTimeout)
		err := a.scheduler.Recover(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("recover orphaned items: %w", err)
		}
	}

	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	a.loop.Start()

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)
	notifySystemd(daemon.SdNotifyReady)

	if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the control loop, waits for in-flight triggers and shuts
// down the servers and the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	notifySystemd(daemon.SdNotifyStopping)

	a.metricsCancel()

	var errs []error
	if err := a.loop.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop control loop: %w", err))
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.closeStore(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeStore(ctx context.Context) error {
	var errs []error
	if a.lock != nil {
		if err := a.lock.Release(ctx); err != nil {
			errs = append(errs, err)
		}
		a.lock = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}
		a.sqlDB = nil
	}
	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	driver := a.config.Storage.Driver
	record := func() {
		switch {
		case a.pool != nil:
			metrics.RecordPgxPool(driver, a.pool)
		case a.sqlDB != nil:
			metrics.RecordSQLPool(driver, a.sqlDB)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		metrics.RecordStorePing(driver, a.queue.Ping(pingCtx))
	}

	// Collect immediately on start
	record()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("failed to get queue stats", "error", err)
				}
				continue
			}
			ingest.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Loop returns the control loop. Used in tests to run triggers directly.
func (a *App) Loop() *controlloop.Loop {
	return a.loop
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.Server.CORSOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	handler := ingest.NewHandler(a.queue, a.loop)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.TokenAuthMiddleware(a.config.Server.APIToken))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.queue.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// notifySystemd is a no-op outside systemd.
func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		slog.Warn("systemd notify failed", "state", state, "error", err)
	}
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
