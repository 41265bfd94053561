// Package app wires configuration to adapters and use cases and owns the
// process lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"Newsroom/internal/breaker"
	"Newsroom/internal/budget"
	"Newsroom/internal/config"
	"Newsroom/internal/dedup"
	"Newsroom/internal/enrich"
	"Newsroom/internal/infrastructure/llm"
	"Newsroom/internal/infrastructure/ml"
	"Newsroom/internal/infrastructure/parser"
	"Newsroom/internal/infrastructure/redisstore"
	"Newsroom/internal/infrastructure/scheduler"
	"Newsroom/internal/infrastructure/storage"
	"Newsroom/internal/infrastructure/telegram"
	"Newsroom/internal/logging"
	"Newsroom/internal/metrics"
	"Newsroom/internal/ports"
	"Newsroom/internal/scanner"
	"Newsroom/internal/scoring"
	"Newsroom/internal/usecase"
	"Newsroom/pkg/logger"
)

// Application holds every wired component. Commands use the pieces they need.
type Application struct {
	Config    config.Config
	Logger    *slog.Logger
	Tasks     *storage.TaskRepository
	Items     *storage.ItemRepository
	Sources   *storage.SourceRepository
	Rules     *storage.RuleRepository
	Scheduler *usecase.Scheduler
	Pipeline  *usecase.Pipeline
	Monitor   *usecase.Monitor
	Budget    *budget.Enforcer
	Breaker   *breaker.Breaker
	Jobs      *usecase.Jobs

	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
}

// Open connects to Postgres only; enough for migrations and CRUD commands.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	defer cancel()
	return storage.Open(ctx, cfg.Database.DSN)
}

// New builds a runnable application. Close releases its connections.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb, err := redisstore.NewClient(cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &Application{
		Config:   cfg,
		Logger:   baseLogger,
		db:       db,
		redis:    rdb,
		registry: prometheus.NewRegistry(),
	}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) wire() error {
	cfg, log := a.Config, a.Logger
	timeout := cfg.Database.Timeout
	prefix := cfg.Redis.Prefix

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	a.Tasks = storage.NewTaskRepository(a.db, timeout).WithLogger(log.With("component", "tasks"))
	a.Items = storage.NewItemRepository(a.db, timeout)
	a.Sources = storage.NewSourceRepository(a.db, timeout)
	a.Rules = storage.NewRuleRepository(a.db, timeout)
	budgetLog := storage.NewBudgetLog(a.db, timeout)

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(cfg.Notifications.Telegram.BotToken, cfg.Notifications.Telegram.ChatID); tg.Enabled() {
		notifier = tg
	}

	a.Breaker = breaker.New(breaker.Deps{
		Store:   redisstore.NewBreakerStore(a.redis, prefix),
		Config:  cfg.Breaker,
		Logger:  log.With("component", "breaker"),
		Metrics: m,
	})

	a.Budget = budget.NewEnforcer(budget.Deps{
		Rules:      a.Rules,
		Usage:      redisstore.NewUsageStore(a.redis, prefix),
		Quota:      redisstore.NewQuotaStore(a.redis, prefix),
		Throttle:   redisstore.NewThrottleStore(a.redis, prefix),
		Violations: budgetLog,
		Alerts:     budgetLog,
		Notifier:   notifier,
		Config:     cfg.Budget,
		QuotaCfg:   cfg.Quota,
		Logger:     log.With("component", "budget"),
		Metrics:    m,
	})

	services, err := llm.NewRegistry(cfg.Services.Catalog, cfg.Services.Credentials, cfg.Services.Default,
		cfg.Services.Timeout, log.With("component", "llm"))
	if err != nil {
		return fmt.Errorf("generative services: %w", err)
	}

	var enricher ports.Enricher = enrich.NewLexical(cfg.Enrich)
	if cfg.ML.InferenceURL != "" {
		enricher = ml.NewClient(cfg.ML.InferenceURL, cfg.ML.APIKey, cfg.ML.Timeout, enricher, log.With("component", "ml"))
	}

	httpClient := &http.Client{Timeout: cfg.Timeouts.HTTP}
	scanners := scanner.NewRegistry(
		parser.NewFeedScanner(httpClient),
		parser.NewAPIScanner(httpClient),
		parser.NewHTMLScanner(httpClient),
	)

	a.Scheduler = usecase.NewScheduler(usecase.SchedulerDeps{
		Tasks:       a.Tasks,
		Logger:      log.With("component", "scheduler"),
		Metrics:     m,
		PollLimit:   cfg.Workers.PollLimit,
		IdleBackoff: cfg.Workers.IdleBackoff,
		Lease:       cfg.Workers.Lease,
	})

	a.Pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Items:     a.Items,
		Sources:   a.Sources,
		Queue:     a.Scheduler,
		Extractor: parser.NewArticleExtractor(httpClient),
		Enricher:  enricher,
		Services:  services,
		Budget:    a.Budget,
		Breaker:   a.Breaker,
		Scorer:    scoring.NewScorer(cfg.Scoring.Weights, cfg.Scoring.Bands),
		Fetch:     cfg.Fetch,
		Writer:    cfg.Writer,
		Review:    cfg.Review,
		Logger:    log.With("component", "pipeline"),
	})
	a.Pipeline.Register(a.Scheduler)

	a.Monitor = usecase.NewMonitor(usecase.MonitorDeps{
		Sources:    a.Sources,
		Items:      a.Items,
		Fetcher:    parser.NewStrategySource(scanners, log.With("component", "source")),
		Queue:      a.Scheduler,
		Breaker:    a.Breaker,
		Dedup:      dedup.NewEngine(cfg.Dedup),
		Signatures: redisstore.NewSignatureCache(a.redis, prefix),
		Notifier:   notifier,
		Config:     cfg.Monitor,
		Logger:     log.With("component", "monitor"),
		Metrics:    m,
	})

	driver := scheduler.NewCronScheduler(cfg.Scheduler.Location(), log.With("component", "cron"))
	a.Jobs = usecase.NewJobs(driver, a.Monitor, a.Scheduler, cfg.Scheduler.Jobs, log.With("component", "jobs"))
	return nil
}

// Migrate applies the embedded schema.
func (a *Application) Migrate(ctx context.Context) error {
	return storage.Migrate(ctx, a.db)
}

// Serve runs the cron jobs, the worker pool and the optional metrics server
// until ctx is cancelled, then shuts everything down gracefully.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("start jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Run(gctx, a.Config.Workers.Count)
	})

	if addr := a.Config.Metrics.Address; addr != "" {
		srv := a.metricsServer(addr)
		g.Go(func() error {
			a.Logger.Info("metrics server listening", "address", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return a.shutdown(srv.Shutdown)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(a.Jobs.Stop)
	})

	a.Logger.Info("newsroom started", "workers", a.Config.Workers.Count)
	err := g.Wait()
	a.Logger.Info("newsroom stopped")
	return err
}

func (a *Application) shutdown(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Timeouts.Shutdown)
	defer cancel()
	return stop(ctx)
}

func (a *Application) metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		ErrorLog: logger.FromSlog(a.Logger, "promhttp", slog.LevelError),
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.FromSlog(a.Logger, "http", slog.LevelError),
	}
}

// Ping checks Postgres and Redis.
func (a *Application) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases database and Redis connections.
func (a *Application) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
