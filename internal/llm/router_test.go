package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/retry"
)

type fakeProvider struct {
	name   string
	errs   []error // returned in order, then success
	tokens []string
	// failAfter makes Stream fail once that many tokens were emitted
	failAfter int
	calls     int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	return f.Stream(ctx, req, nil)
}

func (f *fakeProvider) Stream(_ context.Context, _ Request, onDelta DeltaFunc) (Completion, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return Completion{}, f.errs[f.calls-1]
	}
	text := ""
	for i, tok := range f.tokens {
		if f.failAfter > 0 && i == f.failAfter {
			return Completion{}, &ProviderError{Provider: f.name, StatusCode: 503, Err: errors.New("overloaded")}
		}
		text += tok
		if onDelta != nil {
			if err := onDelta(tok); err != nil {
				return Completion{}, err
			}
		}
	}
	return Completion{Text: text, Provider: f.name}, nil
}

func status(code int) error {
	return &ProviderError{Provider: "x", StatusCode: code, Err: errors.New("http error")}
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{status(429), ClassRateLimit},
		{status(503), ClassServer},
		{status(500), ClassServer},
		{status(401), ClassAuth},
		{status(400), ClassOther},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("Error 429: RESOURCE_EXHAUSTED"), ClassRateLimit},
		{errors.New("dial tcp: connection refused"), ClassServer},
		{errors.New("invalid argument"), ClassOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestRouterRetriesThenSucceeds(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", errs: []error{status(429), status(503)}, tokens: []string{"ok"}}
	backup := &fakeProvider{name: "gemini", tokens: []string{"backup"}}
	r := NewRouter([]Provider{primary, backup}, fastRetry(), 0, nil, nil)

	c, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Provider)
	assert.Equal(t, 3, primary.calls)
	assert.Equal(t, 0, backup.calls)
}

func TestRouterFallsThroughOnNonRetryable(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", errs: []error{status(400)}}
	backup := &fakeProvider{name: "gemini", tokens: []string{"réponse"}}
	r := NewRouter([]Provider{primary, backup}, fastRetry(), 0, nil, nil)

	c, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Provider)
	assert.Equal(t, 1, primary.calls)
}

func TestRouterAllFail(t *testing.T) {
	a := &fakeProvider{name: "anthropic", errs: []error{status(500), status(500), status(500)}}
	b := &fakeProvider{name: "ollama", errs: []error{errors.New("model not found")}}
	r := NewRouter([]Provider{a, b}, fastRetry(), 0, nil, nil)

	_, err := r.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
	assert.Equal(t, 3, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestRouterEmptyIsUnavailable(t *testing.T) {
	r := NewRouter(nil, fastRetry(), 0, nil, nil)
	_, err := r.Complete(context.Background(), Request{})
	assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
}

func TestRouterStreamFallsBackBeforeFirstToken(t *testing.T) {
	a := &fakeProvider{name: "anthropic", errs: []error{status(401)}}
	b := &fakeProvider{name: "gemini", tokens: []string{"Selon ", "[Source-1]"}}
	r := NewRouter([]Provider{a, b}, fastRetry(), 0, nil, nil)

	var got []string
	c, err := r.Stream(context.Background(), Request{}, func(d string) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini", c.Provider)
	assert.Equal(t, []string{"Selon ", "[Source-1]"}, got)
}

func TestRouterStreamNoFallbackAfterFirstToken(t *testing.T) {
	a := &fakeProvider{name: "anthropic", tokens: []string{"a", "b", "c"}, failAfter: 1}
	b := &fakeProvider{name: "gemini", tokens: []string{"never"}}
	r := NewRouter([]Provider{a, b}, fastRetry(), 0, nil, nil)

	var got []string
	_, err := r.Stream(context.Background(), Request{}, func(d string) error {
		got = append(got, d)
		return nil
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeProviderUnavailable))
	assert.Equal(t, []string{"a"}, got)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestRouterStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fakeProvider{name: "anthropic", errs: []error{context.Canceled}}
	b := &fakeProvider{name: "gemini", tokens: []string{"x"}}
	r := NewRouter([]Provider{a, b}, fastRetry(), 0, nil, nil)

	_, err := r.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.calls)
}
