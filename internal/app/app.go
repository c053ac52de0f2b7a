// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pushmill/pushmill/internal/api"
	"github.com/pushmill/pushmill/internal/config"
	"github.com/pushmill/pushmill/internal/pkg/ctxlog"
	"github.com/pushmill/pushmill/internal/pkg/httputil"
	"github.com/pushmill/pushmill/internal/pkg/metrics"
	"github.com/pushmill/pushmill/internal/pkg/postgres"
	"github.com/pushmill/pushmill/internal/push"
	pushpostgres "github.com/pushmill/pushmill/internal/push/postgres"
	"github.com/pushmill/pushmill/internal/push/webpush"
	"github.com/pushmill/pushmill/internal/version"
)

const shutdownGrace = 25 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	store         *pushpostgres.Store
	service       *push.Service
	worker        *push.Worker
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store := pushpostgres.NewStore(db, cfg.Database.URL)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	provider, err := webpush.NewProvider(webpush.Config{
		VAPIDPublicKey:  cfg.VAPID.PublicKey,
		VAPIDPrivateKey: cfg.VAPID.PrivateKey,
		Subscriber:      cfg.VAPID.Subscriber,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create webpush provider: %w", err)
	}

	recorder := metrics.NewRecorder("core", nil)
	jitter := cfg.Retry.Jitter

	service := push.New(push.Config{
		VAPID: push.VAPIDConfig{
			PublicKey:  cfg.VAPID.PublicKey,
			PrivateKey: cfg.VAPID.PrivateKey,
			Subscriber: cfg.VAPID.Subscriber,
		},
		Retry: push.RetryPolicy{
			MaxRetries:    cfg.Retry.MaxRetries,
			BaseDelay:     cfg.Retry.BaseDelay,
			BackoffFactor: cfg.Retry.Factor,
			MaxDelay:      cfg.Retry.MaxDelay,
			Jitter:        &jitter,
		},
		Breaker: push.BreakerConfig{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			ResetTimeout:        cfg.Breaker.ResetTimeout,
			HalfOpenMaxAttempts: cfg.Breaker.HalfOpenMaxAttempts,
		},
		Batch: push.BatchConfig{
			BatchSize:   cfg.Batch.Size,
			Concurrency: cfg.Batch.Concurrency,
		},
		RateLimit: push.RateLimitConfig{
			Capacity:   cfg.RateLimit.Capacity,
			RefillRate: cfg.RateLimit.RefillRate,
		},
		Storage:  store,
		Provider: provider,
		Metrics:  recorder,
	}, logger)

	worker := push.NewWorker(push.WorkerConfig{
		PollInterval: cfg.Worker.PollInterval,
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, service.Config().Retry, store, provider, recorder, logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		store:         store,
		service:       service,
		worker:        worker,
		metricsCancel: metricsCancel,
	}

	worker.Start(metricsCtx)
	go app.collectDBMetrics(metricsCtx)
	go app.collectQueueMetrics(metricsCtx, recorder)

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

// Run starts the HTTP servers.
func (a *App) Run() error {
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

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application. The retry worker stops
// first so no entries are mid-flight when the delivery core drains.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()
	a.worker.Stop()

	var wg sync.WaitGroup
	var errs []error
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

	// Drains in-flight sends and closes the store, which owns the pool.
	if err := a.service.Shutdown(shutdownGrace); err != nil {
		errs = append(errs, fmt.Errorf("shutdown delivery core: %w", err))
	}
	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the retry worker instance. Used in tests.
func (a *App) Worker() *push.Worker {
	return a.worker
}

func (a *App) collectDBMetrics(ctx context.Context) {
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, recorder *metrics.Recorder) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.store.GetQueueStats(ctx)
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			recorder.Gauge(push.MetricQueuePending, float64(stats.Pending), nil)
			recorder.Gauge(push.MetricQueueProcessing, float64(stats.Processing), nil)
			recorder.Gauge(push.MetricQueueFailed, float64(stats.Failed), nil)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	apiHandler := api.NewHandler(a.service, a.store)

	r.Route("/api/v1", func(r chi.Router) {
		if a.config.Throttle.Enabled {
			r.Use(httputil.ThrottleMiddleware(a.config.Throttle.RPS, a.config.Throttle.Burst))
		}
		if a.config.Auth.Enabled {
			r.Use(httputil.AuthMiddleware([]byte(a.config.Auth.Secret)))
		}
		apiHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
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
