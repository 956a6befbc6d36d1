package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
)

const maxBodyBytes = 1 << 20

// Response is the envelope every JSON endpoint returns
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeSuccess wraps data in a success envelope
func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(r.Context()),
	})
}

// writeError maps err onto a status and a public message. Internal causes are logged,
// never returned.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	status := apperr.HTTPStatus(err)
	code := apperr.CodeOf(err)
	retryable := false
	if e, ok := apperr.As(err); ok {
		retryable = e.Retryable
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	writeJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(code),
			Message:   apperr.PublicMessage(err),
			Retryable: retryable,
		},
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(r.Context()),
	})
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Wrap(apperr.CodeInvalidRequest, "request body is required", err)
		case errors.As(err, &tooLarge):
			return apperr.New(apperr.CodeInvalidRequest, "request body too large").
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		default:
			return apperr.Wrap(apperr.CodeInvalidRequest, "invalid JSON body", err)
		}
	}
	if dec.More() {
		return apperr.New(apperr.CodeInvalidRequest, "request body must contain a single JSON object")
	}
	return nil
}
