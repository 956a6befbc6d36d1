package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const idempotencyPending = "pending"

// ErrRequestInFlight is returned when an identical request is still being processed
var ErrRequestInFlight = errors.New("request with this idempotency key is in progress")

// StoredResponse is the replayable outcome of an idempotent request
type StoredResponse struct {
	Status      int               `json:"status"`
	Header      map[string]string `json:"header,omitempty"`
	Body        []byte            `json:"body"`
	Fingerprint string            `json:"fingerprint"`
}

func idempotencyKey(key string) string { return "idem:" + key }

// BeginIdempotent claims key. It returns (nil, nil) when the caller should process the
// request, the stored response when one exists, or ErrRequestInFlight.
func (m *Manager) BeginIdempotent(ctx context.Context, key string, ttl time.Duration) (*StoredResponse, error) {
	ok, err := m.SetNX(ctx, idempotencyKey(key), idempotencyPending, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}

	val, err := m.Get(ctx, idempotencyKey(key))
	if errors.Is(err, ErrCacheMiss) {
		// expired between the two calls; let the caller retry the claim
		return nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, err
	}
	if val == idempotencyPending {
		return nil, ErrRequestInFlight
	}

	var stored StoredResponse
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode idempotent response: %w", err)
	}
	return &stored, nil
}

// CompleteIdempotent stores the response for replay
func (m *Manager) CompleteIdempotent(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	return m.SetJSON(ctx, idempotencyKey(key), resp, ttl)
}

// AbortIdempotent drops the claim so the request can be retried
func (m *Manager) AbortIdempotent(ctx context.Context, key string) error {
	return m.Delete(ctx, idempotencyKey(key))
}
