// Package app builds the service graph from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/cache"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/database"
	"tn-legal-rag/internal/embedding"
	"tn-legal-rag/internal/expansion"
	"tn-legal-rag/internal/feedback"
	"tn-legal-rag/internal/gaps"
	"tn-legal-rag/internal/llm"
	"tn-legal-rag/internal/mailer"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/pipeline"
	"tn-legal-rag/internal/querylog"
	"tn-legal-rag/internal/rerank"
	"tn-legal-rag/internal/scheduler"
	"tn-legal-rag/internal/search"
	"tn-legal-rag/internal/server"
	"tn-legal-rag/internal/statestore"
	"tn-legal-rag/internal/telemetry"
)

// Job names, shared by the scheduler and the jobs command
const (
	JobGaps       = "gaps"
	JobRetrySweep = "retry-sweep"
	JobPrecedent  = "precedent"
)

// App holds every long-lived component
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Telemetry *telemetry.Provider
	DB        *database.DB
	Cache     *cache.Manager
	Embedder  embedding.Embedder
	LLM       *llm.Router
	QueryLog  *querylog.Writer
	Search    *search.Engine
	Reranker  *rerank.Reranker
	Gate      *answer.Gate
	Composer  *answer.Composer
	Pipeline  *pipeline.Service
	Gaps      *gaps.Analyzer
	Feedback  *feedback.Service
	Mailer    *mailer.Mailer
	Precedent *rerank.PrecedentJob
	Scheduler *scheduler.Scheduler
}

// New connects to every backing service and wires the components. On error everything
// opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewCollector("legalrag", a.Registry)

	if a.Telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger); err != nil {
		return a, err
	}

	if cfg.Database.AutoMigrate {
		if err = Migrate(cfg.Database.URL, true, logger); err != nil {
			return a, err
		}
	}
	if a.DB, err = database.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxConns); err != nil {
		return a, err
	}
	if err = a.DB.CheckVectorDimension(ctx, cfg.Embedding.Dimension); err != nil {
		return a, err
	}

	a.Cache, err = cache.NewManager(cache.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		DefaultTTL: cfg.Search.CacheTTL,
	}, logger)
	if err != nil {
		return a, err
	}

	if a.Embedder, err = embedding.New(ctx, cfg.Embedding, logger); err != nil {
		return a, err
	}
	if a.LLM, err = llm.NewFromConfig(ctx, cfg.LLM, a.Metrics, logger); err != nil {
		return a, err
	}

	expander := expansion.NewEngine(cfg.Expansion, a.Cache, a.LLM, logger)
	a.QueryLog = querylog.NewWriter(a.DB, cfg.Search.QueryLogBuffer, a.Metrics, logger)
	a.Search = search.NewEngine(a.DB, a.Embedder, expander, a.QueryLog, a.Cache, cfg.Search, a.Metrics, logger)

	var cross rerank.CrossEncoder
	if cfg.Rerank.Enabled && cfg.Rerank.APIKey != "" {
		cross = rerank.NewJinaClient(cfg.Rerank.BaseURL, cfg.Rerank.APIKey, cfg.Rerank.Model, cfg.Rerank.Timeout)
	} else {
		logger.Info("cross-encoder disabled, ranking on merged scores")
	}
	a.Reranker = rerank.NewReranker(cross, cfg.Rerank, a.Metrics, logger)

	a.Gate = answer.NewGate(cfg.Gate)
	a.Composer = answer.NewComposer(a.Search, a.Reranker, a.LLM, a.Gate,
		answer.NewContextBuilder(cfg.Answer, logger), answer.OptionsFrom(cfg), a.Metrics, logger)

	a.Pipeline = pipeline.NewService(a.DB, a.Embedder, cfg.Pipeline, cfg.Embedding.MaxConcurrent, a.Metrics, logger)
	a.Feedback = feedback.NewService(a.DB, logger)
	a.Mailer = mailer.New(cfg.Mail, cfg.Gaps.AlertRecipients, logger)
	var notifier gaps.Notifier
	if a.Mailer.Configured() {
		notifier = a.Mailer
	} else {
		logger.Info("mail not configured, gap alerts disabled")
	}
	a.Gaps = gaps.NewAnalyzer(a.DB, a.Search, a.Gate, notifier, a.Cache, cfg.Gaps, a.Metrics, logger)
	a.Precedent = rerank.NewPrecedentJob(a.DB, logger)

	a.Scheduler = scheduler.New(a.Cache, a.Metrics, logger)
	if err = a.registerJobs(); err != nil {
		return a, err
	}
	return a, nil
}

func (a *App) registerJobs() error {
	cfg := a.Config.Gaps
	jobs := []scheduler.Job{
		{Name: JobGaps, Schedule: cfg.Schedule, Run: a.runGaps},
		{Name: JobRetrySweep, Schedule: cfg.RetrySchedule, Timeout: 10 * time.Minute, Run: a.runRetrySweep},
		{Name: JobPrecedent, Schedule: cfg.PrecedentSchedule, Run: a.Precedent.Run},
	}
	for _, j := range jobs {
		if err := a.Scheduler.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// runGaps analyses recent signals, then checks whether active gaps are now answerable
func (a *App) runGaps(ctx context.Context) error {
	report, err := a.Gaps.Analyze(ctx)
	if err != nil {
		return fmt.Errorf("gap analysis failed: %w", err)
	}
	a.Logger.Info("gap analysis finished",
		zap.Int("signals", report.Signals),
		zap.Int("clusters", report.Clusters),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("reactivated", report.Reactivated),
		zap.Int("alerted", report.Alerted))

	res, err := a.Gaps.VerifyResolutions(ctx)
	if err != nil {
		return fmt.Errorf("gap verification failed: %w", err)
	}
	a.Logger.Info("gap verification finished",
		zap.Int("checked", res.Checked),
		zap.Int("resolved", res.Resolved),
		zap.Int("errors", res.Errors))
	return nil
}

func (a *App) runRetrySweep(ctx context.Context) error {
	res, err := a.Pipeline.RetrySweep(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info("retry sweep finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed))
	return nil
}

// Serve runs the HTTP API and the scheduler until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	auth := a.Config.Auth
	if auth.JWTSecret == "" {
		a.Logger.Warn("auth.jwt_secret is empty, every authenticated route will answer 401")
	}
	limiters := statestore.NewLimiters(auth.RateLimitRPS, auth.RateLimitBurst, auth.LimiterTTL)
	go limiters.Run(time.Minute, ctx.Done())

	srv := server.New(a.Config.Server, auth, server.Deps{
		Search:      a.Search,
		Answers:     a.Composer,
		Pipeline:    a.Pipeline,
		Feedback:    a.Feedback,
		Gaps:        a.Gaps,
		Idempotency: a.Cache,
		Limiter:     limiters,
		Health: []server.HealthCheck{
			{Name: "postgres", Check: a.DB.Ping},
			{Name: "redis", Check: a.Cache.Ping},
		},
		Gatherer: a.Registry,
	}, a.Metrics, a.Logger)

	a.Scheduler.Start()
	err := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Scheduler.Stop(stopCtx)
	return err
}

// RunJob runs one batch job under the same lock the scheduler uses
func (a *App) RunJob(ctx context.Context, name string) error {
	return a.Scheduler.RunNow(ctx, name)
}

// Close releases every component that was opened
func (a *App) Close(ctx context.Context) {
	if a.QueryLog != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.QueryLog.Close(closeCtx); err != nil {
			a.Logger.Warn("query log did not drain", zap.Error(err))
		}
		cancel()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.Logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("failed to flush traces", zap.Error(err))
	}
}

// Migrate applies (up) or rolls back one step of (down) the embedded schema
func Migrate(databaseURL string, up bool, logger *zap.Logger) error {
	m, err := database.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("failed to close migrator", zap.Error(cerr))
		}
	}()

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil {
		return err
	}
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		return errors.New("database schema is dirty, fix it manually before continuing")
	}
	logger.Info("schema migrated", zap.Uint("version", version), zap.Bool("up", up))
	return nil
}
