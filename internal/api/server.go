// Package api exposes the catalog over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/storefront-catalog/internal/catalog"
	"github.com/agatticelli/storefront-catalog/internal/notification"
	"github.com/agatticelli/storefront-catalog/internal/platform/cache"
	"github.com/agatticelli/storefront-catalog/internal/platform/observability"
	"github.com/agatticelli/storefront-catalog/internal/source"
)

// Catalog is the loader surface the API needs.
type Catalog interface {
	Load(ctx context.Context, forceRefresh bool) ([]catalog.CategoryGroup, error)
	Invalidate(ctx context.Context, src string) error
	Ready() bool
	State() catalog.State
}

// SourceHealth reports the product source's recent behaviour.
type SourceHealth interface {
	Health() source.Health
}

// PublisherHealth reports the invalidation publisher's breaker and queue.
type PublisherHealth interface {
	Health() notification.Health
}

// storePingTimeout bounds the store check in /health.
const storePingTimeout = time.Second

// Config holds server dependencies.
type Config struct {
	Catalog   Catalog
	Source    SourceHealth    // optional
	Publisher PublisherHealth // optional
	Store     cache.Pinger    // optional

	// Aliases map lower-case shortcuts to category titles for lookups.
	Aliases map[string]string

	// MaxConcurrentRefreshes caps in-flight ?refresh=true requests; the rest
	// get 429. Default 1.
	MaxConcurrentRefreshes int64

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Server routes catalog, health and metrics endpoints.
type Server struct {
	catalog   Catalog
	source    SourceHealth
	publisher PublisherHealth
	store     cache.Pinger
	aliases   map[string]string
	refresh *semaphore.Weighted
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
	started time.Time
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.MaxConcurrentRefreshes <= 0 {
		cfg.MaxConcurrentRefreshes = 1
	}

	return &Server{
		catalog:   cfg.Catalog,
		source:    cfg.Source,
		publisher: cfg.Publisher,
		store:     cfg.Store,
		aliases:   cfg.Aliases,
		refresh:   semaphore.NewWeighted(cfg.MaxConcurrentRefreshes),
		logger:    cfg.Logger.Component("api"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		started:   time.Now(),
	}, nil
}

// Handler returns the routed handler wrapped in request-id and access-log
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/catalog/products", s.handleProducts)
	mux.HandleFunc("GET /api/catalog/categories/{slug}", s.handleCategory)
	mux.HandleFunc("POST /api/catalog/invalidate", s.handleInvalidate)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withRequestID(s.withAccessLog(mux))
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	if refresh {
		// Forced refreshes bypass every loader guard
		if !s.refresh.TryAcquire(1) {
			writeError(w, http.StatusTooManyRequests, "refresh already in progress")
			return
		}
		defer s.refresh.Release(1)
	}

	groups, ok := s.load(w, r, refresh)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	groups, ok := s.load(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, catalog.Flatten(groups))
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	groups, ok := s.load(w, r, false)
	if !ok {
		return
	}

	group, found := catalog.FindGroup(groups, slug, s.aliases)
	if !found {
		writeError(w, http.StatusNotFound, "category not found")
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.StartSpan(r.Context(), "api.Invalidate", observability.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if err := s.catalog.Invalidate(ctx, catalog.SourceAPI); err != nil {
		// Memory tier and guards are already reset; only the shared copy
		// may linger until it ages out.
		span.NoticeError(err)
		s.logger.LogWarn(ctx, "invalidate left persisted entry in place", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// load answers 503 when the loader has nothing to serve. It reports false
// when the response has already been written.
func (s *Server) load(w http.ResponseWriter, r *http.Request, refresh bool) ([]catalog.CategoryGroup, bool) {
	ctx, span := s.tracer.StartSpan(r.Context(), "api.Load",
		observability.WithSpanKind(trace.SpanKindServer),
		observability.WithAttributes(attribute.Bool("refresh", refresh)),
	)
	defer span.End()

	groups, err := s.catalog.Load(ctx, refresh)
	switch {
	case err == nil:
		return groups, true
	case errors.Is(err, catalog.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, "catalog not available yet")
	case errors.Is(err, catalog.ErrLoadFailed):
		span.NoticeError(err)
		writeError(w, http.StatusServiceUnavailable, "catalog temporarily unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing useful to write
	default:
		span.NoticeError(err)
		s.logger.LogError(ctx, "unexpected catalog error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return nil, false
}

type healthResponse struct {
	Status    string               `json:"status"`
	State     catalog.State        `json:"state"`
	Ready     bool                 `json:"ready"`
	Uptime    string               `json:"uptime"`
	Source    *source.Health       `json:"source,omitempty"`
	Publisher *notification.Health `json:"publisher,omitempty"`
	Store     *storeHealth         `json:"store,omitempty"`
}

type storeHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleHealth reports liveness. A failing source, an unreachable store or
// an open publisher circuit degrades the status but never fails the check;
// cached data may still be served.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		State:  s.catalog.State(),
		Ready:  s.catalog.Ready(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.source != nil {
		h := s.source.Health()
		resp.Source = &h
		if !h.Healthy {
			resp.Status = "degraded"
		}
	}
	if s.publisher != nil {
		h := s.publisher.Health()
		resp.Publisher = &h
		if h.CircuitState == "open" {
			resp.Status = "degraded"
		}
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
		err := s.store.Ping(ctx)
		cancel()

		resp.Store = &storeHealth{OK: err == nil}
		if err != nil {
			resp.Store.Error = err.Error()
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.catalog.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
