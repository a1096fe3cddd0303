package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"querybridge/internal/cache"
	"querybridge/internal/core"
	"querybridge/internal/monitor"
)

// Ops is the operator view of the query service.
type Ops interface {
	CacheStats(ctx context.Context) (cache.Stats, error)
	QueryStats() []monitor.QueryStats
	SlowQueries() []monitor.SlowQuery
	UsageReport(n int) monitor.Report
	InvalidateQueryCache(ctx context.Context, id int64) (int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	ops      Ops
	store    Pinger
	gatherer prometheus.Gatherer
	limiter  *RateLimiter
	catalog  *CatalogHandler
	log      *zap.Logger
}

func NewHandler(ops Ops, store Pinger, gatherer prometheus.Gatherer, limiter *RateLimiter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{ops: ops, store: store, gatherer: gatherer, limiter: limiter, log: log.Named("api")}
}

// WithCatalog serves the query catalog schema at /catalog/schema.json.
func (h *Handler) WithCatalog(c *CatalogHandler) *Handler {
	h.catalog = c
	return h
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(h.log))
	r.Use(ClientIPMiddleware)
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}

	r.Get("/healthz", h.Health)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/stats/cache", h.CacheStats)
	r.Get("/stats/queries", h.QueryStats)
	r.Get("/stats/queries/slow", h.SlowQueries)
	r.Get("/reports/usage", h.UsageReport)
	r.Post("/cache/queries/{id}/invalidate", h.InvalidateCache)
	if h.catalog != nil {
		r.Get("/catalog/schema.json", h.catalog.GetSchema)
	}
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.ops.CacheStats(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) QueryStats(w http.ResponseWriter, r *http.Request) {
	stats := h.ops.QueryStats()
	out := make([]queryStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, queryStats{
			QueryStats: s,
			AvgMs:      float64(s.AvgDuration().Microseconds()) / 1000,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type queryStats struct {
	monitor.QueryStats
	AvgMs float64 `json:"avg_ms"`
}

func (h *Handler) SlowQueries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ops.SlowQueries())
}

func (h *Handler) UsageReport(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("top"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "top must be a positive integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, h.ops.UsageReport(n))
}

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}
	n, err := h.ops.InvalidateQueryCache(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"query_id": id, "invalidated": n})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	h.log.Error("request failed", zap.Error(err))
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindPermission, core.KindSecurity:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindTimeout:
		return http.StatusGatewayTimeout
	case core.KindTransientStore:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"code": status, "error": msg})
}
