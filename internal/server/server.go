// Package server exposes search, answers, feedback, the document pipeline and gap
// management over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/feedback"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/pipeline"
	"tn-legal-rag/internal/search"
)

type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

type Answerer interface {
	Answer(ctx context.Context, req answer.Request) (*models.Answer, error)
	Stream(ctx context.Context, req answer.Request, emit func(models.StreamEvent) error) error
}

type Pipeline interface {
	CreateDocument(ctx context.Context, actor models.Actor, in pipeline.NewDocument) (*models.Document, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	History(ctx context.Context, id string) ([]models.PipelineExecutionRecord, error)
	AdvanceStage(ctx context.Context, actor models.Actor, id string, opts pipeline.Options) (*models.Document, error)
	AdvanceToStage(ctx context.Context, actor models.Actor, id string, target models.Stage, opts pipeline.Options) (*models.Document, error)
	Reject(ctx context.Context, actor models.Actor, id, reason string, opts pipeline.Options) (*models.Document, error)
	BulkReject(ctx context.Context, actor models.Actor, ids []string, reason string) (*pipeline.BulkResult, error)
	EditDocumentAtStage(ctx context.Context, actor models.Actor, id string, edit pipeline.Edit, opts pipeline.Options) (*models.Document, error)
	Reopen(ctx context.Context, actor models.Actor, id string, opts pipeline.Options) (*models.Document, error)
	Resubmit(ctx context.Context, actor models.Actor, id string, opts pipeline.Options) (*models.Document, error)
	ReplayStage(ctx context.Context, actor models.Actor, id string, opts pipeline.Options) (*models.Document, error)
	AutoAdvance(ctx context.Context, actor models.Actor, id string) (*pipeline.AutoAdvanceResult, error)
	BulkAdvance(ctx context.Context, actor models.Actor, ids []string, notes string) (*pipeline.BulkResult, error)
	BulkReclassify(ctx context.Context, actor models.Actor, ids []string, category, subcategory string) (*pipeline.BulkResult, error)
}

type FeedbackSink interface {
	Submit(ctx context.Context, actor models.Actor, in feedback.Input) (*models.Feedback, error)
}

type GapManager interface {
	List(ctx context.Context, status models.GapStatus) ([]models.KnowledgeGap, error)
	SetStatus(ctx context.Context, actor models.Actor, id string, status models.GapStatus) (*models.KnowledgeGap, error)
}

// HealthCheck is one named dependency check
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services behind the routes
type Deps struct {
	Search      Searcher
	Answers     Answerer
	Pipeline    Pipeline
	Feedback    FeedbackSink
	Gaps        GapManager
	Idempotency IdempotencyStore
	Limiter     Limiter
	Health      []HealthCheck
	Gatherer    prometheus.Gatherer
}

// Server is the HTTP front end
type Server struct {
	cfg     config.ServerConfig
	auth    *Authenticator
	deps    Deps
	idemTTL time.Duration
	mux     *http.ServeMux
	http    *http.Server
	metrics *metrics.Collector
	logger  *zap.Logger
}

func New(cfg config.ServerConfig, authCfg config.AuthConfig, deps Deps, m *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "server"))
	s := &Server{
		cfg:     cfg,
		auth:    NewAuthenticator(authCfg.JWTSecret, authCfg.Issuer, logger),
		deps:    deps,
		idemTTL: authCfg.IdempotencyTTL,
		mux:     http.NewServeMux(),
		metrics: m,
		logger:  logger,
	}
	if s.idemTTL <= 0 {
		s.idemTTL = 24 * time.Hour
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler is the complete middleware-wrapped router
func (s *Server) Handler() http.Handler {
	return Chain(s.mux, RequestID(), Recovery(s.logger))
}

type access int

const (
	public access = iota
	user
	admin
	superAdmin
)

// handle registers pattern behind the middlewares its access level needs
func (s *Server) handle(pattern string, level access, mutating bool, h http.HandlerFunc) {
	mws := []Middleware{s.instrument(pattern), Tracing(pattern)}
	switch level {
	case user:
		mws = append(mws, s.auth.Require(models.RoleUser))
	case admin:
		mws = append(mws, s.auth.Require(models.RoleAdmin))
	case superAdmin:
		mws = append(mws, s.auth.Require(models.RoleSuperAdmin))
	}
	if level != public && s.deps.Limiter != nil {
		mws = append(mws, RateLimit(s.deps.Limiter, s.logger))
	}
	if mutating && s.deps.Idempotency != nil {
		mws = append(mws, Idempotency(s.deps.Idempotency, s.idemTTL, s.logger))
	}
	s.mux.Handle(pattern, Chain(h, mws...))
}

func (s *Server) routes() {
	s.handle("GET /healthz", public, false, s.handleHealth)
	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.handle("POST /v1/search", user, false, s.handleSearch)
	s.handle("POST /v1/answer", user, false, s.handleAnswer)
	s.handle("POST /v1/answer/stream", user, false, s.handleAnswerStream)
	s.handle("POST /v1/feedback", user, true, s.handleFeedback)

	s.handle("POST /v1/documents", admin, true, s.handleCreateDocument)
	s.handle("GET /v1/pipeline/documents/{id}", admin, false, s.handleGetDocument)
	s.handle("GET /v1/pipeline/documents/{id}/history", admin, false, s.handleHistory)
	s.handle("POST /v1/pipeline/documents/{id}/advance", admin, true, s.handleAdvance)
	s.handle("POST /v1/pipeline/documents/{id}/advance-to", superAdmin, true, s.handleAdvanceTo)
	s.handle("POST /v1/pipeline/documents/{id}/reject", admin, true, s.handleReject)
	s.handle("POST /v1/pipeline/documents/{id}/resubmit", admin, true, s.handleResubmit)
	s.handle("POST /v1/pipeline/documents/{id}/reopen", admin, true, s.handleReopen)
	s.handle("PATCH /v1/pipeline/documents/{id}", admin, true, s.handleEdit)
	s.handle("POST /v1/pipeline/documents/{id}/replay", admin, true, s.handleReplay)
	s.handle("POST /v1/pipeline/documents/{id}/auto-advance", admin, true, s.handleAutoAdvance)
	s.handle("POST /v1/pipeline/bulk-reject", admin, true, s.handleBulkReject)
	s.handle("POST /v1/pipeline/bulk-advance", admin, true, s.handleBulkAdvance)
	s.handle("POST /v1/pipeline/bulk-reclassify", admin, true, s.handleBulkReclassify)

	s.handle("GET /v1/gaps", admin, false, s.handleListGaps)
	s.handle("PATCH /v1/gaps/{id}", admin, true, s.handleSetGapStatus)
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
