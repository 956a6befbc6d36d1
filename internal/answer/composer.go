// Package answer turns a question into a cited answer or an abstention. Retrieval, rerank,
// the quality gate and generation run strictly in that order.
package answer

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/llm"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/search"
)

var tracer = otel.Tracer("tn-legal-rag/internal/answer")

const (
	generationTemperature = 0.1
	generationMaxTokens   = 2000
)

// Searcher is the hybrid search engine
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	Log(req search.Request, resp *search.Response, abstained bool)
}

// Ranker reorders candidates; it never fails
type Ranker interface {
	Rerank(ctx context.Context, query string, candidates []models.SearchResult, topN int) []models.SearchResult
}

// Generator is the LLM fallback router
type Generator interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
	Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (llm.Completion, error)
}

// Request is one question
type Request struct {
	Question       string          `json:"question"`
	ConversationID string          `json:"conversation_id,omitempty"`
	History        []llm.Message   `json:"history,omitempty"`
	Stance         models.Stance   `json:"stance,omitempty"`
	Language       models.Language `json:"language,omitempty"`
	Filters        models.Filters  `json:"filters"`
	// Consultation selects the longer budget and the structured consultation prompt.
	Consultation bool `json:"consultation,omitempty"`
}

// Options are the composer's budgets
type Options struct {
	ChatTimeout         time.Duration
	ConsultationTimeout time.Duration
	// Candidates is how many search results are handed to the reranker.
	Candidates  int
	MaxSources  int
	Temperature float64
	MaxTokens   int
}

// OptionsFrom reads the composer budgets out of the service config
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ChatTimeout:         cfg.Server.ChatTimeout,
		ConsultationTimeout: cfg.Server.ConsultationTimeout,
		Candidates:          cfg.Rerank.TopK,
		MaxSources:          cfg.Answer.MaxSources,
		Temperature:         cfg.LLM.Temperature,
		MaxTokens:           cfg.LLM.MaxTokens,
	}
}

// Composer answers questions from the knowledge base
type Composer struct {
	search   Searcher
	ranker   Ranker
	gen      Generator
	gate     *Gate
	contexts *ContextBuilder
	opts     Options
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewComposer(s Searcher, r Ranker, g Generator, gate *Gate, cb *ContextBuilder, opts Options,
	m *metrics.Collector, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		search:   s,
		ranker:   r,
		gen:      g,
		gate:     gate,
		contexts: cb,
		opts:     opts,
		metrics:  m,
		logger:   logger.With(zap.String("component", "answer")),
	}
}

// Validate rejects malformed questions before any retrieval happens
func Validate(req *Request) error {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return apperr.New(apperr.CodeInvalidRequest, "question is required")
	}
	if utf8.RuneCountInString(req.Question) > search.MaxQueryLength {
		return apperr.Newf(apperr.CodeInvalidRequest, "question exceeds %d characters", search.MaxQueryLength)
	}
	switch req.Stance {
	case "", models.StanceNeutral, models.StanceDefense, models.StanceAttack:
	default:
		return apperr.Newf(apperr.CodeInvalidRequest, "unknown stance %q", req.Stance)
	}
	switch req.Language {
	case models.LangUnknown, models.LangArabic, models.LangFrench:
	default:
		return apperr.New(apperr.CodeInvalidRequest, "language must be ar or fr")
	}
	return nil
}

// retrieval is everything decided before generation
type retrieval struct {
	language models.Language
	degraded bool
	decision Decision
	context  string
	sources  []models.ChatSource
}

func (c *Composer) timeout(req Request) time.Duration {
	if req.Consultation && c.opts.ConsultationTimeout > 0 {
		return c.opts.ConsultationTimeout
	}
	return c.opts.ChatTimeout
}

func (c *Composer) withBudget(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if d := c.timeout(req); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// retrieve runs search, rerank and the gate, then logs the query with the gate outcome
func (c *Composer) retrieve(ctx context.Context, req Request) (*retrieval, error) {
	sreq := search.Request{Query: req.Question, Filters: req.Filters, Limit: c.opts.Candidates, NoLog: true}
	resp, err := c.search.Search(ctx, sreq)
	if err != nil {
		return nil, err
	}

	ranked := c.ranker.Rerank(ctx, req.Question, resp.Results, c.opts.MaxSources)
	r := &retrieval{
		language: req.Language,
		degraded: resp.Degraded,
		decision: c.gate.Evaluate(ranked),
	}
	if r.language == models.LangUnknown {
		r.language = answerLanguage(lang.Detect(req.Question))
	}
	if !r.decision.Abstain {
		r.context, r.sources = c.contexts.Build(ranked)
		if len(r.sources) == 0 {
			r.decision.Abstain, r.decision.Reason = true, "no source fits the context budget"
		}
	}
	c.search.Log(sreq, resp, r.decision.Abstain)
	return r, nil
}

func (c *Composer) llmRequest(req Request, r *retrieval) llm.Request {
	stance := req.Stance
	if stance == "" {
		stance = models.StanceNeutral
	}
	out := llm.Request{
		System:      SystemPrompt(stance, r.language, req.Consultation),
		Messages:    Messages(req.History, req.Question, r.context),
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}
	if out.Temperature <= 0 {
		out.Temperature = generationTemperature
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = generationMaxTokens
	}
	return out
}

func (c *Composer) abstention(r *retrieval, start time.Time) *models.Answer {
	return &models.Answer{
		Answer:         AbstentionMessage(r.language),
		Sources:        []models.ChatSource{},
		Confidence:     r.decision.Confidence,
		Abstained:      true,
		Degraded:       r.degraded,
		Language:       r.language,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

func (c *Composer) answered(r *retrieval, comp llm.Completion, start time.Time) *models.Answer {
	cleaned, removed := SanitizeCitations(comp.Text, len(r.sources))
	if len(removed) > 0 {
		c.logger.Warn("removed unresolved citations", zap.Strings("markers", removed))
	}
	return &models.Answer{
		Answer:           strings.TrimSpace(cleaned),
		Sources:          r.sources,
		Confidence:       r.decision.Confidence,
		Degraded:         r.degraded,
		Language:         r.language,
		Provider:         comp.Provider,
		Model:            comp.Model,
		RemovedCitations: removed,
		ResponseTimeMs:   time.Since(start).Milliseconds(),
	}
}

// Answer returns a cited answer, or an abstention when the gate refuses. An outage of search
// or of every LLM provider is an error, never an abstention.
func (c *Composer) Answer(ctx context.Context, req Request) (*models.Answer, error) {
	start := time.Now()
	if err := Validate(&req); err != nil {
		return nil, err
	}
	ctx, cancel := c.withBudget(ctx, req)
	defer cancel()
	ctx, span := tracer.Start(ctx, "answer")
	defer span.End()

	r, err := c.retrieve(ctx, req)
	if err != nil {
		return nil, c.fail(err, req.Language, start)
	}
	span.SetAttributes(attribute.Bool("abstained", r.decision.Abstain), attribute.Float64("confidence", r.decision.Confidence))
	if r.decision.Abstain {
		c.logger.Info("abstained", zap.String("reason", r.decision.Reason), zap.Int("passing", r.decision.Passing))
		c.metrics.RecordAnswer("abstained", string(r.language), 0, time.Since(start))
		return c.abstention(r, start), nil
	}

	comp, err := c.gen.Complete(ctx, c.llmRequest(req, r))
	if err != nil {
		return nil, c.fail(err, r.language, start)
	}
	ans := c.answered(r, comp, start)
	c.metrics.RecordAnswer("answered", string(r.language), len(ans.RemovedCitations), time.Since(start))
	return ans, nil
}

// Stream emits progress, metadata, one or more chunks and done, in that order. The
// abstention path goes straight from progress to done. A failure emits one error event.
// An error returned by emit stops generation immediately.
func (c *Composer) Stream(ctx context.Context, req Request, emit func(models.StreamEvent) error) error {
	start := time.Now()
	failed := func(err error) error {
		_ = emit(models.StreamEvent{Type: models.EventError, Code: string(apperr.CodeOf(err)), Message: apperr.PublicMessage(err)})
		return err
	}
	if err := Validate(&req); err != nil {
		return failed(err)
	}
	ctx, cancel := c.withBudget(ctx, req)
	defer cancel()
	ctx, span := tracer.Start(ctx, "answer.stream")
	defer span.End()

	if err := emit(models.StreamEvent{Type: models.EventProgress, Stage: "searching"}); err != nil {
		return err
	}
	r, err := c.retrieve(ctx, req)
	if err != nil {
		return failed(c.fail(err, req.Language, start))
	}
	if r.decision.Abstain {
		c.metrics.RecordAnswer("abstained", string(r.language), 0, time.Since(start))
		return emit(models.StreamEvent{Type: models.EventDone, Answer: c.abstention(r, start)})
	}
	if err := emit(models.StreamEvent{Type: models.EventMetadata, Sources: r.sources, Confidence: r.decision.Confidence}); err != nil {
		return err
	}

	sanitizer := NewStreamSanitizer(len(r.sources))
	var emitErr error
	chunks := 0
	onDelta := func(delta string) error {
		text := sanitizer.Push(delta)
		if text == "" {
			return nil
		}
		if err := emit(models.StreamEvent{Type: models.EventChunk, Text: text}); err != nil {
			emitErr = err
			return err
		}
		chunks++
		return nil
	}
	comp, err := c.gen.Stream(ctx, c.llmRequest(req, r), onDelta)
	if emitErr != nil {
		c.logger.Debug("client went away mid-stream", zap.Error(emitErr))
		return emitErr
	}
	if err != nil {
		return failed(c.fail(err, r.language, start))
	}
	if tail := sanitizer.Flush(); tail != "" {
		if err := emit(models.StreamEvent{Type: models.EventChunk, Text: tail}); err != nil {
			return err
		}
		chunks++
	}

	ans := c.answered(r, comp, start)
	// An empty or fully stripped completion still yields one chunk frame before done.
	if chunks == 0 {
		if err := emit(models.StreamEvent{Type: models.EventChunk, Text: ans.Answer}); err != nil {
			return err
		}
	}
	c.metrics.RecordAnswer("answered", string(r.language), len(ans.RemovedCitations), time.Since(start))
	return emit(models.StreamEvent{Type: models.EventDone, Answer: ans})
}

// fail records the failure and maps a blown budget onto the outage taxonomy
func (c *Composer) fail(err error, l models.Language, start time.Time) error {
	outcome := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = apperr.Wrap(apperr.CodeProviderUnavailable, "answer budget exceeded", err).WithRetryable(true)
		outcome = "unavailable"
	case apperr.Is(err, apperr.CodeSearchUnavailable), apperr.Is(err, apperr.CodeProviderUnavailable):
		outcome = "unavailable"
	}
	if outcome == "unavailable" {
		c.logger.Error("answer unavailable", zap.Error(err))
	}
	c.metrics.RecordAnswer(outcome, string(answerLanguage(l)), 0, time.Since(start))
	return err
}
