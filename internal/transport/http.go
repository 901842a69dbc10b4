// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/resolver"
	"github.com/gateway-fm/dexsync/internal/session"
	"github.com/gateway-fm/dexsync/internal/storage"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

// Input validation constants
const (
	maxSteps         = 32      // Maximum steps per queue
	maxTitleLen      = 200     // Maximum step title length
	maxReloadQueries = 16      // Maximum reload queries per step
	maxBodyBytes     = 1 << 20 // Maximum request body size
	cancelTimeout    = 5 * time.Second
)

// validStepKinds contains all valid step kinds
var validStepKinds = map[types.StepKind]bool{
	types.StepApprove:  true,
	types.StepTransfer: true,
	types.StepNative:   true,
	types.StepRaw:      true,
}

// validateSetStepsRequest checks request limits. Addresses, amounts and
// dependencies are validated when the steps are built.
func validateSetStepsRequest(req *types.SetStepsRequest) error {
	if len(req.Steps) == 0 {
		return errors.New("steps must not be empty")
	}
	if len(req.Steps) > maxSteps {
		return fmt.Errorf("steps exceeds maximum (%d > %d)", len(req.Steps), maxSteps)
	}
	for i, step := range req.Steps {
		if !validStepKinds[step.Kind] {
			return fmt.Errorf("step %d: invalid kind: %q (valid: approve, transfer, native, raw)", i, step.Kind)
		}
		if len(step.Title) > maxTitleLen {
			return fmt.Errorf("step %d: title exceeds maximum length (%d)", i, maxTitleLen)
		}
		if len(step.ReloadQueriesAfterMined) > maxReloadQueries {
			return fmt.Errorf("step %d: reloadQueriesAfterMined exceeds maximum (%d)", i, maxReloadQueries)
		}
		for _, q := range step.ReloadQueriesAfterMined {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("step %d: empty query name", i)
			}
		}
	}
	return nil
}

// SessionAPI is the part of *session.Session the server exposes.
type SessionAPI interface {
	Fields() []string
	ReadField(req types.FieldRequest) (resolver.Result, error)
	RefreshField(req types.FieldRequest) error
	SetSteps(reqs []types.StepRequest) (txqueue.Snapshot, error)
	Queue() (txqueue.Snapshot, error)
	CancelQueue(ctx context.Context) (txqueue.Snapshot, error)
	Invalidate(ctx context.Context, queries []freshness.QueryID)
	History(ctx context.Context, limit, offset int) (*storage.PaginatedQueueRuns, error)
	HistoryDetail(ctx context.Context, id string) (*storage.QueueRun, error)
	DeleteHistory(ctx context.Context, id string) error
	Stats() types.Stats
}

var _ SessionAPI = (*session.Session)(nil)

// HealthChecker checks the health of external dependencies.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

// Server handles HTTP requests for a provider session.
type Server struct {
	api       SessionAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	hub       *Hub
	logger    *slog.Logger
	startTime time.Time

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// ServerConfig for creating a Server.
type ServerConfig struct {
	API     SessionAPI
	Health  HealthChecker       // optional, /ready reports ready without it
	Hub     *Hub                // optional, /v1/ws is not served without it
	Metrics prometheus.Gatherer // default: prometheus.DefaultGatherer

	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Metrics
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       cfg.API,
		health:    cfg.Health,
		gatherer:  gatherer,
		hub:       cfg.Hub,
		logger:    logger,
		startTime: time.Now(),
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				s.corsAllowedOrigins = append(s.corsAllowedOrigins, o)
			}
		}
	}

	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/fields", s.handleFields)
	mux.HandleFunc("POST /v1/fields/read", s.handleReadField)
	mux.HandleFunc("POST /v1/fields/refresh", s.handleRefreshField)
	mux.HandleFunc("POST /v1/steps", s.handleSetSteps)
	mux.HandleFunc("GET /v1/queue", s.handleQueue)
	mux.HandleFunc("POST /v1/queue/cancel", s.handleCancelQueue)
	mux.HandleFunc("POST /v1/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/history/{id}", s.handleHistoryDetail)
	mux.HandleFunc("DELETE /v1/history/{id}", s.handleDeleteHistory)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	if s.hub != nil {
		mux.HandleFunc("GET /v1/ws", s.hub.Handler())
	}

	// Health endpoints (unversioned, for Kubernetes)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return s.corsMiddleware(mux)
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
// Preflight requests are answered here, before method routing.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && slices.Contains(s.corsAllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message, kind string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(types.ErrorResponse{Error: message, Kind: kind})
}

// writeError maps a session error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	s.writeJSONError(w, err.Error(), kind, status)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, resolver.ErrUnknownField),
		errors.Is(err, resolver.ErrAccountRequired),
		txqueue.IsConstructionError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, session.ErrNoQueue),
		errors.Is(err, session.ErrNoHistory),
		errors.Is(err, storage.ErrQueueRunNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrReadOnly):
		return http.StatusConflict, "read_only"
	case errors.Is(err, txqueue.ErrExecutorClosed):
		return http.StatusServiceUnavailable, "closed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody decodes a bounded JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), "invalid_request", http.StatusBadRequest)
		return false
	}
	return true
}

// handleFields lists the readable field names.
func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string][]string{"fields": s.api.Fields()})
}

// handleReadField returns the cached value of a field.
func (s *Server) handleReadField(w http.ResponseWriter, r *http.Request) {
	var req types.FieldRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.api.ReadField(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, res)
}

// handleRefreshField schedules a refetch of a field.
func (s *Server) handleRefreshField(w http.ResponseWriter, r *http.Request) {
	var req types.FieldRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.api.RefreshField(req); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "scheduled"})
}

// handleSetSteps replaces the current queue.
func (s *Server) handleSetSteps(w http.ResponseWriter, r *http.Request) {
	var req types.SetStepsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := validateSetStepsRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), "invalid_request", http.StatusBadRequest)
		return
	}

	snap, err := s.api.SetSteps(req.Steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("Queue started",
		slog.String("queue_id", snap.ID),
		slog.Int("steps", len(snap.Steps)),
	)
	s.writeJSON(w, snap)
}

// handleQueue returns the current queue.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.api.Queue()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, snap)
}

// handleCancelQueue cancels the current queue.
func (s *Server) handleCancelQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), cancelTimeout)
	defer cancel()

	snap, err := s.api.CancelQueue(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, snap)
}

type invalidateRequest struct {
	Queries []string `json:"queries"`
}

// handleInvalidate refreshes queries as if a write feeding them was mined.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Queries) == 0 {
		s.writeJSONError(w, "Validation error: queries must not be empty", "invalid_request", http.StatusBadRequest)
		return
	}

	queries := make([]freshness.QueryID, 0, len(req.Queries))
	for _, q := range req.Queries {
		queries = append(queries, freshness.QueryID(q))
	}
	s.api.Invalidate(r.Context(), queries)
	s.writeJSON(w, map[string]int{"invalidated": len(queries)})
}

// handleHistory returns past queues with optional pagination.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20 // default
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, result)
}

// handleHistoryDetail returns one past queue with its steps.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	run, err := s.api.HistoryDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if run == nil {
		s.writeJSONError(w, "Queue not found", "not_found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, run)
}

// handleDeleteHistory removes a finished queue from history.
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.api.DeleteHistory(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats returns cache and confirmation statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.api.Stats())
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady reports readiness of the RPC node.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		start := time.Now()
		err := s.health.CheckRPC(r.Context())
		check := ReadinessCheck{
			Name:      "rpc",
			LatencyMs: time.Since(start).Milliseconds(),
			Status:    "ok",
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	response := map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
