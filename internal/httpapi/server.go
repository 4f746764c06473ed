// Package httpapi exposes metric snapshots, sync status and manual refresh
// over HTTP, plus a websocket that pushes fresh snapshots as data lands.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/clinicsync/internal/analytics"
	"github.com/agentworkforce/clinicsync/internal/records"
	"github.com/agentworkforce/clinicsync/internal/syncer"
)

// Coordinator is satisfied by *syncer.Coordinator.
type Coordinator interface {
	Snapshot(ctx context.Context, q analytics.Query) (analytics.Snapshot, error)
	RefreshNow(ctx context.Context, tenantID string) (syncer.RefreshResult, error)
	Status() syncer.Status
	Subscribe() (<-chan struct{}, func())
}

type ServerConfig struct {
	JWTSecret string
	// RateLimitMax bounds refresh triggers per subject per window; 0 disables it.
	RateLimitMax       int
	RateLimitWindow    time.Duration
	StreamWriteTimeout time.Duration
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Clock    quartz.Clock
	Logger   slog.Logger
}

type Server struct {
	coord       Coordinator
	cfg         ServerConfig
	clock       quartz.Clock
	logger      slog.Logger
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(coord Coordinator, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	s := &Server{
		coord:  coord,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("httpapi"),
	}
	if cfg.Gatherer != nil {
		s.metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"state":  s.coord.Status().State.String(),
		})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	var requiredScope, route string
	switch {
	case r.URL.Path == "/v1/snapshot" && r.Method == http.MethodGet:
		requiredScope, route = ScopeMetricsRead, "snapshot"
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		requiredScope, route = ScopeMetricsRead, "status"
	case r.URL.Path == "/v1/stream" && r.Method == http.MethodGet:
		requiredScope, route = ScopeMetricsRead, "stream"
	case r.URL.Path == "/v1/refresh" && r.Method == http.MethodPost:
		requiredScope, route = ScopeSyncTrigger, "refresh"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	now := s.clock.Now("httpapi", "auth")
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "snapshot":
		s.handleSnapshot(w, r, correlationID)
	case "status":
		writeJSON(w, http.StatusOK, s.coord.Status())
	case "stream":
		s.handleStream(w, r, correlationID)
	case "refresh":
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		s.handleRefresh(w, r, claims, correlationID)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, correlationID string) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	snap, err := s.coord.Snapshot(r.Context(), q)
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type refreshResponse struct {
	Succeeded     []string          `json:"succeeded"`
	FailedTenants []string          `json:"failedTenants"`
	Errors        map[string]string `json:"errors,omitempty"`
	CorrelationID string            `json:"correlationId"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant"))
	s.logger.Info(r.Context(), "manual refresh requested",
		slog.F("subject", claims.Subject),
		slog.F("tenant", tenantID),
		slog.F("correlation_id", correlationID),
	)
	result, err := s.coord.RefreshNow(r.Context(), tenantID)
	if err != nil {
		s.writeCoordinatorError(w, err, correlationID)
		return
	}
	resp := refreshResponse{
		Succeeded:     nonNil(result.Succeeded),
		FailedTenants: nonNil(result.FailedTenants),
		CorrelationID: correlationID,
	}
	if len(result.FailedTenants) > 0 {
		resp.Errors = map[string]string{}
		for _, id := range result.FailedTenants {
			resp.Errors[id] = result.Errors[id].Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncer.ErrUnknownTenant):
		writeError(w, http.StatusNotFound, "unknown_tenant", err.Error(), correlationID)
	case errors.Is(err, syncer.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", err.Error(), correlationID)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "cancelled", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// parseQuery reads tenant, from and to (yyyy-mm-dd) from the query string.
func parseQuery(r *http.Request) (analytics.Query, error) {
	values := r.URL.Query()
	q := analytics.Query{Tenant: strings.TrimSpace(values.Get("tenant"))}
	for _, field := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.Start}, {"to", &q.End}} {
		raw := strings.TrimSpace(values.Get(field.name))
		if raw == "" {
			continue
		}
		parsed, err := records.ParseDate(raw)
		if err != nil {
			return analytics.Query{}, errors.New("invalid " + field.name + " date, expected yyyy-mm-dd")
		}
		*field.dst = parsed
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return analytics.Query{}, errors.New("to must not be before from")
	}
	return q, nil
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
