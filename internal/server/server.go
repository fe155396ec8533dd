// Package server is the development backend: it speaks the PACT HTTP
// contract with rule-based stand-in agents over the local document store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pact/internal/docstore"
	"pact/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	Store     *docstore.Store
	Auth      AuthConfig
	Blobs     BlobStore
	RateLimit float64
	RateBurst int
	Log       *zap.Logger
	Now       func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"goal_text required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the development backend handler.
type Server struct {
	store    *docstore.Store
	auth     AuthConfig
	blobs    BlobStore
	log      *zap.Logger
	now      func() time.Time
	handler  http.Handler
	limiter  *ipLimiter
	traces   *traceRecorder
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer

	negotiator negotiator
	verifier   verifyAgent
	detect     detectAgent
	adapt      adaptAgent
}

// New builds the handler. Call Close to release the tracer provider.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("server: jwt secret required")
	}
	s := &Server{
		store:  cfg.Store,
		auth:   cfg.Auth,
		blobs:  cfg.Blobs,
		log:    cfg.Log,
		now:    cfg.Now,
		traces: newTraceRecorder(defaultTraceCapacity),
		detect: detectAgent{maxPenaltyUSD: maxPenaltyUSD, falsePositiveRate: falsePositiveRate},
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.blobs == nil {
		s.blobs = LocalBlobs{Dir: "evidence"}
	}
	s.negotiator = negotiator{now: s.now}
	s.verifier = verifyAgent{now: s.now}
	s.provider = newTracerProvider(s.traces)
	s.tracer = s.provider.Tracer("pact/server")

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
		router.Use(s.limiter.middleware)
	}
	router.Use(newAuthMiddleware(cfg.Auth, s.log, "/commit", "/verify"))
	hcfg := huma.DefaultConfig("PACT API", "0.2.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)

	registerHealth(api)
	s.registerNegotiate(api)
	s.registerCommit(api)
	s.registerVerify(api)
	s.registerCommunity(api)
	s.registerTelemetry(api)
	s.registerReaper(api)
	s.registerEvidence(router)

	s.handler = router
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run performs background upkeep until ctx ends: idle rate-limit buckets are
// swept and, with a positive interval, expired contracts are reaped.
func (s *Server) Run(ctx context.Context, reaperInterval time.Duration) {
	if s.limiter != nil {
		go s.limiter.sweep(ctx)
	}
	if reaperInterval > 0 {
		s.runReaper(ctx, reaperInterval)
		return
	}
	<-ctx.Done()
}

// Close flushes the tracer provider.
func (s *Server) Close(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}

var bearerSecurity = []map[string][]string{{"bearerAuth": {}}}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, docstore.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, docstore.ErrMissingIndex):
		return newAPIError(http.StatusPreconditionFailed, "missing_index", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestBase is the origin the client used to reach us.
func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}
