package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tn-legal-rag/internal/apperr"
	"tn-legal-rag/internal/cache"
	"tn-legal-rag/internal/models"
)

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one listed is the outermost
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type requestIDKey struct{}
type actorKey struct{}

const maxRequestIDLength = 128

// RequestIDFrom returns the request id stored by the RequestID middleware
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// ActorFrom returns the authenticated caller
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}

// WithActor stores the caller in ctx
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// RequestID propagates X-Request-ID or assigns a new one
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if id == "" || len(id) > maxRequestIDLength {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Recovery turns a panic into a 500 envelope
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestIDFrom(r.Context())),
						zap.Stack("stack"))
					writeError(w, r, apperr.New(apperr.CodeInternal, "panic"), logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter captures the response status and keeps streaming working
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// instrument logs and measures one route. route is the mux pattern so label
// cardinality stays bounded.
func (s *Server) instrument(route string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			d := time.Since(start)
			s.metrics.RecordHTTP(r.Method, route, sw.status, d)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", sw.status),
				zap.Duration("duration", d),
				zap.String("request_id", RequestIDFrom(r.Context())),
			}
			if sw.status >= http.StatusInternalServerError {
				s.logger.Warn("request", fields...)
				return
			}
			s.logger.Info("request", fields...)
		})
	}
}

// Tracing starts a server span, continuing any propagated trace
func Tracing(route string) Middleware {
	tracer := otel.Tracer("tn-legal-rag/internal/server")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
				))
			defer span.End()

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", sw.status))
			if sw.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// Claims is the token payload: sub is the actor id
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

func NewAuthenticator(secret, issuer string, logger *zap.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, logger: logger}
}

// Parse validates a raw token and returns the actor it names
func (a *Authenticator) Parse(raw string) (models.Actor, error) {
	if len(a.secret) == 0 {
		return models.Actor{}, apperr.New(apperr.CodeUnauthorized, "authentication is not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return models.Actor{}, apperr.Wrap(apperr.CodeUnauthorized, "invalid or expired token", err)
	}
	if claims.Subject == "" {
		return models.Actor{}, apperr.New(apperr.CodeUnauthorized, "token has no subject")
	}
	switch claims.Role {
	case models.RoleUser, models.RoleAdmin, models.RoleSuperAdmin:
	case "":
		claims.Role = models.RoleUser
	default:
		return models.Actor{}, apperr.Newf(apperr.CodeUnauthorized, "unknown role %q", claims.Role)
	}
	return models.Actor{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs a token for actor, valid for ttl
func (a *Authenticator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Require authenticates the bearer token and enforces the minimum role
func (a *Authenticator) Require(min models.Role) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing or malformed Authorization header"), a.logger)
				return
			}
			actor, err := a.Parse(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				a.logger.Debug("token rejected", zap.Error(err))
				writeError(w, r, err, a.logger)
				return
			}
			if roleRank(actor.Role) < roleRank(min) {
				writeError(w, r, apperr.Newf(apperr.CodeForbidden, "%s role required", min), a.logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func roleRank(r models.Role) int {
	switch r {
	case models.RoleSuperAdmin:
		return 3
	case models.RoleAdmin:
		return 2
	case models.RoleUser:
		return 1
	default:
		return 0
	}
}

// Limiter is a per-client token bucket set
type Limiter interface {
	Allow(client string) bool
}

// RateLimit keys on the authenticated actor, falling back to the remote address
func RateLimit(l Limiter, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, apperr.New(apperr.CodeRateLimited, "rate limit exceeded").WithRetryable(true), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if a, ok := ActorFrom(r.Context()); ok {
		return "actor:" + a.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// IdempotencyStore claims and records responses by key
type IdempotencyStore interface {
	BeginIdempotent(ctx context.Context, key string, ttl time.Duration) (*cache.StoredResponse, error)
	CompleteIdempotent(ctx context.Context, key string, resp cache.StoredResponse, ttl time.Duration) error
	AbortIdempotent(ctx context.Context, key string) error
}

// recordingWriter buffers the response so it can be stored for replay
type recordingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) Header() http.Header { return w.header }
func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}
func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

// idempotencyClaimTTL bounds how long an unfinished request holds its key
const idempotencyClaimTTL = 5 * time.Minute

// Idempotency replays the stored response for a repeated Idempotency-Key. The key is scoped
// to the actor and route, and the request body fingerprint must match. A duplicate that
// arrives while the first is still running gets 409. Server errors and panics are not
// stored. The in-flight claim expires after idempotencyClaimTTL so a crashed process cannot
// hold the key for the full replay TTL.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if raw == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(raw) > 255 {
				writeError(w, r, apperr.New(apperr.CodeInvalidRequest, "Idempotency-Key too long"), logger)
				return
			}
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, r, apperr.Wrap(apperr.CodeInvalidRequest, "could not read request body", err), logger)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			actor, _ := ActorFrom(r.Context())
			key := fmt.Sprintf("%s:%s %s:%s", actor.ID, r.Method, r.URL.Path, raw)
			fingerprint := fingerprintOf(body)

			stored, err := store.BeginIdempotent(r.Context(), key, idempotencyClaimTTL)
			switch {
			case errors.Is(err, cache.ErrRequestInFlight):
				writeError(w, r, apperr.New(apperr.CodeConflict, "a request with this Idempotency-Key is in progress").WithRetryable(true), logger)
				return
			case err != nil:
				// the cache is an optimisation for retries; proceed without it
				logger.Warn("idempotency store unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			case stored != nil:
				if stored.Fingerprint != fingerprint {
					writeError(w, r, apperr.New(apperr.CodeConflict, "Idempotency-Key was used with a different request body"), logger)
					return
				}
				for k, v := range stored.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write(stored.Body)
				return
			}

			// a detached context: the response is already computed and must be stored
			// even if the client has gone away
			saveCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
			}
			release := func() {
				ctx, cancel := saveCtx()
				defer cancel()
				if err := store.AbortIdempotent(ctx, key); err != nil {
					logger.Warn("failed to release idempotency key", zap.Error(err))
				}
			}

			rec := &recordingWriter{header: w.Header()}
			func() {
				defer func() {
					if p := recover(); p != nil {
						release()
						panic(p)
					}
				}()
				next.ServeHTTP(rec, r)
			}()
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			if rec.status >= http.StatusInternalServerError {
				release()
			} else {
				resp := cache.StoredResponse{
					Status:      rec.status,
					Header:      map[string]string{"Content-Type": rec.header.Get("Content-Type")},
					Body:        rec.body.Bytes(),
					Fingerprint: fingerprint,
				}
				ctx, cancel := saveCtx()
				err := store.CompleteIdempotent(ctx, key, resp, ttl)
				cancel()
				if err != nil {
					logger.Warn("failed to store idempotent response", zap.Error(err))
				}
			}
			w.WriteHeader(rec.status)
			_, _ = w.Write(rec.body.Bytes())
		})
	}
}

func fingerprintOf(body []byte) string {
	sum := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(sum[:])
}
