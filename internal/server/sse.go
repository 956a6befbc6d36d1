package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/models"
)

// sseWriter frames events as text/event-stream
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) send(ev models.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleAnswerStream validates before switching to SSE so malformed requests still get a
// JSON error envelope. After the stream opens, failures arrive as an error event.
func (s *Server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	var req answer.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	if err := answer.Validate(&req); err != nil {
		writeError(w, r, err, s.logger)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, r, apperr.New(apperr.CodeInternal, "streaming unsupported"), s.logger)
		return
	}

	ctx := r.Context()
	err := s.deps.Answers.Stream(ctx, req, func(ev models.StreamEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sse.send(ev)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("answer stream ended with error",
			zap.String("request_id", RequestIDFrom(ctx)),
			zap.String("code", string(apperr.CodeOf(err))))
	}
}
