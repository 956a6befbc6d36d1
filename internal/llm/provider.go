package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Role of a chat message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral chat request
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Completion is the text produced by one provider
type Completion struct {
	Text     string
	Provider string
	Model    string
}

// DeltaFunc receives streamed text increments. Returning an error aborts the stream.
type DeltaFunc func(delta string) error

// Provider is one chat-completion backend
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
	// Stream calls onDelta for every increment and returns the full completion.
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Completion, error)
}

// ErrorClass is how the router treats a provider failure
type ErrorClass string

const (
	ClassRateLimit ErrorClass = "rate_limit"
	ClassServer    ErrorClass = "server"
	ClassTimeout   ErrorClass = "timeout"
	ClassAuth      ErrorClass = "auth"
	ClassOther     ErrorClass = "other"
)

// Retryable reports whether retrying the same provider is worthwhile
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimit || c == ClassServer || c == ClassTimeout
}

// ProviderError carries the HTTP status a provider answered with, when known
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// errStreamAborted marks a stream stopped by the consumer
var errStreamAborted = errors.New("stream aborted by consumer")

// Classify sorts an error into rate limit, server, timeout, auth or other
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		switch {
		case pe.StatusCode == 429:
			return ClassRateLimit
		case pe.StatusCode == 401 || pe.StatusCode == 403:
			return ClassAuth
		case pe.StatusCode == 408 || pe.StatusCode == 504:
			return ClassTimeout
		case pe.StatusCode >= 500:
			return ClassServer
		default:
			return ClassOther
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit"):
		return ClassRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "internal") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "500") ||
		strings.Contains(msg, "connection refused"):
		return ClassServer
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "permission"):
		return ClassAuth
	default:
		return ClassOther
	}
}
