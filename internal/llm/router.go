package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/retry"
)

// Router sends a request to an ordered list of providers, retrying each with backoff
// on rate limit, server and timeout errors before falling through to the next one.
type Router struct {
	providers []Provider
	policy    retry.Policy
	timeout   time.Duration
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewRouter builds a router. timeout bounds each individual attempt (0 disables it).
func NewRouter(providers []Provider, policy retry.Policy, timeout time.Duration, m *metrics.Collector, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Retryable = func(err error) bool { return Classify(err).Retryable() }
	return &Router{
		providers: providers,
		policy:    policy,
		timeout:   timeout,
		metrics:   m,
		logger:    logger.With(zap.String("component", "llm_router")),
	}
}

// Providers returns provider names in fallback order
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

func (r *Router) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Router) observe(provider string, err error, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = string(Classify(err))
	}
	r.metrics.RecordProvider(provider, outcome, time.Since(start))
}

// Complete returns the first successful completion. When every provider fails the
// error is PROVIDER_UNAVAILABLE.
func (r *Router) Complete(ctx context.Context, req Request) (Completion, error) {
	var errs []error
	for _, p := range r.providers {
		c, err := retry.DoWithResult(ctx, r.policy, r.logger, func(ctx context.Context) (Completion, error) {
			actx, cancel := r.attemptCtx(ctx)
			defer cancel()
			start := time.Now()
			c, err := p.Complete(actx, req)
			r.observe(p.Name(), err, start)
			return c, err
		})
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}

		r.logger.Warn("provider failed, falling back",
			zap.String("provider", p.Name()),
			zap.String("class", string(Classify(err))),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Completion{}, r.unavailable(errs)
}

// Stream is Complete with incremental delivery. Fallback and retries happen only
// before the first increment reaches onDelta; a failure after that is returned as is.
func (r *Router) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error) {
	var errs []error
	for _, p := range r.providers {
		emitted := false
		forward := func(delta string) error {
			emitted = true
			return onDelta(delta)
		}

		policy := r.policy
		policy.Retryable = func(err error) bool { return !emitted && Classify(err).Retryable() }

		c, err := retry.DoWithResult(ctx, policy, r.logger, func(ctx context.Context) (Completion, error) {
			actx, cancel := r.attemptCtx(ctx)
			defer cancel()
			start := time.Now()
			c, err := p.Stream(actx, req, forward)
			r.observe(p.Name(), err, start)
			return c, err
		})
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		if errors.Is(err, errStreamAborted) {
			return Completion{}, err
		}
		if emitted {
			return Completion{}, apperr.Wrap(apperr.CodeProviderUnavailable, "provider stream interrupted", err).
				WithProvider(p.Name()).WithRetryable(true)
		}

		r.logger.Warn("provider failed before first token, falling back",
			zap.String("provider", p.Name()),
			zap.String("class", string(Classify(err))),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Completion{}, r.unavailable(errs)
}

func (r *Router) unavailable(errs []error) error {
	if len(errs) == 0 {
		return apperr.New(apperr.CodeProviderUnavailable, "no llm provider configured")
	}
	return apperr.Wrap(apperr.CodeProviderUnavailable, "all llm providers failed", errors.Join(errs...)).
		WithRetryable(true)
}
