package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/ledger"
	"github.com/tributary-ai/llm-proxy-router/internal/metrics"
	"github.com/tributary-ai/llm-proxy-router/internal/middleware"
	"github.com/tributary-ai/llm-proxy-router/internal/routing"
	"github.com/tributary-ai/llm-proxy-router/internal/settings"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
	"github.com/tributary-ai/llm-proxy-router/internal/visibility"
)

// statusClientClosedRequest is logged when the caller went away before a
// response could be written.
const statusClientClosedRequest = 499

// Router is the routing surface the gateway serves
type Router interface {
	Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, *routing.RoutingDecision, error)
	Stream(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, *routing.RoutingDecision, error)
	Models() []types.ModelInfo
	State(ctx context.Context) (routing.State, settings.RoutingConfig, error)
	SetProxyEnabled(ctx context.Context, enabled bool) (settings.RoutingConfig, error)
	CheckRecovery(ctx context.Context) (routing.State, error)
}

// FailureSyncer runs one ledger sync pass
type FailureSyncer interface {
	SyncOnce(ctx context.Context) (ledger.SyncResult, error)
}

// Server represents the HTTP server
type Server struct {
	router     Router
	failures   ledger.Store
	syncer     FailureSyncer
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig

	security   *middleware.SecurityMiddleware
	validation *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port             string
	APIToken         string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxHeaderBytes   int
	ValidateRequests bool
}

// NewServer creates a new server instance
func NewServer(router Router, failures ledger.Store, syncer FailureSyncer, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	validation, err := middleware.NewValidationMiddleware(&middleware.ValidationConfig{
		Enabled: config.ValidateRequests,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	return &Server{
		router:   router,
		failures: failures,
		syncer:   syncer,
		logger:   logger,
		config:   config,
		security: middleware.NewSecurityMiddleware(&middleware.SecurityConfig{
			APIToken:    config.APIToken,
			ExemptPaths: []string{"/health", "/metrics"},
		}, logger),
		validation: validation,
	}, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting LLM proxy router gateway")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM proxy router gateway")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the routed handler with the full middleware chain
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.security.Handler())
	r.Use(s.contentTypeMiddleware)
	r.Use(s.validation.Middleware)

	api := r.PathPrefix("/v1").Subrouter()

	// OpenAI compatible endpoints
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/models", s.handleListModels).Methods("GET")

	// Routing management
	api.HandleFunc("/routing/state", s.handleRoutingState).Methods("GET")
	api.HandleFunc("/routing/enabled", s.handleSetEnabled).Methods("PUT")
	api.HandleFunc("/routing/recovery", s.handleRecovery).Methods("POST")

	// Feature visibility
	api.HandleFunc("/visibility", s.handleVisibility).Methods("GET")
	api.HandleFunc("/visibility/{key}", s.handleVisibilityKey).Methods("GET")

	// Failure ledger
	api.HandleFunc("/failures", s.handleListFailures).Methods("GET")
	api.HandleFunc("/failures/sync", s.handleSyncFailures).Methods("POST")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Middleware

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" || r.Method == "PUT" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChatCompletion handles OpenAI-compatible chat completion requests
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = "chatcmpl-" + uuid.NewString()
	}
	req.Timestamp = time.Now()

	if req.Stream {
		s.handleStreamingCompletion(w, r, &req)
		return
	}

	resp, decision, err := s.router.Complete(r.Context(), &req)
	if err != nil {
		s.writeRoutingError(w, r, decision, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleStreamingCompletion relays chunks as server-sent events
func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	chunks, decision, err := s.router.Stream(r.Context(), req)
	if err != nil {
		s.writeRoutingError(w, r, decision, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Routing metadata goes out as the first chunk
	metadataChunk := &types.ChatChunk{
		ID:             req.ID,
		Object:         "chat.completion.chunk",
		Created:        time.Now().Unix(),
		Model:          req.Model,
		RouterMetadata: decision.Metadata(req.ID),
	}
	data, _ := json.Marshal(metadataChunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Error != nil {
			// A broken stream ends with the error object and no [DONE]
			s.logger.WithFields(logrus.Fields{
				"request_id": req.ID,
				"transport":  decision.Transport,
				"error":      chunk.Error.Message,
			}).Warn("Stream interrupted")
			data, _ := json.Marshal(map[string]*types.StreamError{"error": chunk.Error})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleListModels lists the logical model catalog
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.router.Models()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   models,
		"count":  len(models),
	})
}

// stateResponse is the public view of the routing config. Credential
// handles are not exposed.
type stateResponse struct {
	State               routing.State `json:"state"`
	Enabled             bool          `json:"enabled"`
	UseFallback         bool          `json:"use_fallback"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	FallbackProviders   []string      `json:"fallback_providers"`
	FallbackExpiresAt   *time.Time    `json:"fallback_expires_at,omitempty"`
}

func newStateResponse(state routing.State, cfg settings.RoutingConfig) stateResponse {
	providers := make([]string, 0, len(cfg.FallbackCredentials))
	for p := range cfg.FallbackCredentials {
		providers = append(providers, p)
	}
	slices.Sort(providers)

	return stateResponse{
		State:               state,
		Enabled:             cfg.Enabled,
		UseFallback:         cfg.UseFallback,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		LastFailureAt:       cfg.LastFailureAt,
		FallbackProviders:   providers,
		FallbackExpiresAt:   cfg.FallbackExpiresAt,
	}
}

// handleRoutingState reports the current routing mode
func (s *Server) handleRoutingState(w http.ResponseWriter, r *http.Request) {
	state, cfg, err := s.router.State(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read routing state")
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to read routing state")
		return
	}
	s.writeJSON(w, http.StatusOK, newStateResponse(state, cfg))
}

// handleSetEnabled is the explicit proxy mode toggle
func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.Enabled == nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if _, err := s.router.SetProxyEnabled(r.Context(), *body.Enabled); err != nil {
		s.logger.WithError(err).Error("Failed to toggle proxy mode")
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to update routing config")
		return
	}

	s.handleRoutingState(w, r)
}

// handleRecovery runs the explicit recovery check
func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	state, err := s.router.CheckRecovery(r.Context())
	if err != nil {
		s.writeRoutingError(w, r, nil, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":     state,
		"timestamp": time.Now().Unix(),
	})
}

// handleVisibility returns the hidden flag of every feature
func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	_, cfg, err := s.router.State(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read routing state")
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to read routing state")
		return
	}

	hidden := visibility.Hidden(cfg)
	if hidden == nil {
		hidden = []visibility.Key{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": visibility.Snapshot(cfg),
		"hidden":   hidden,
	})
}

// handleVisibilityKey returns the hidden flag of one feature
func (s *Server) handleVisibilityKey(w http.ResponseWriter, r *http.Request) {
	key := visibility.Key(mux.Vars(r)["key"])
	if !visibility.Valid(key) {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Unknown feature %s", key))
		return
	}

	_, cfg, err := s.router.State(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read routing state")
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to read routing state")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"hidden": visibility.IsHidden(key, cfg),
	})
}

// handleListFailures lists failure ledger records
func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	opts := ledger.ListOptions{Limit: 100}
	if v := r.URL.Query().Get("pending"); v != "" {
		pending, err := strconv.ParseBool(v)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "pending must be a boolean")
			return
		}
		opts.PendingOnly = pending
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	records, err := s.failures.List(r.Context(), opts)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list failure records")
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to list failure records")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// handleSyncFailures runs one ledger sync pass. Per-record failures are
// reported in the body; the records stay pending for the next pass.
func (s *Server) handleSyncFailures(w http.ResponseWriter, r *http.Request) {
	result, err := s.syncer.SyncOnce(r.Context())

	response := map[string]interface{}{
		"result":    result,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failure ledger sync incomplete")
		response["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleHealthCheck returns overall health status
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	state, _, err := s.router.State(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"error":     "routing state unavailable",
			"timestamp": time.Now().Unix(),
		})
		return
	}

	// A degraded proxy still serves through fallback, so the gateway
	// itself stays healthy.
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"routing_state": state,
		"timestamp":     time.Now().Unix(),
	})
}

// Helper functions

// statusForError maps the routing error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, routing.ErrConfiguration), errors.Is(err, types.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, routing.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, routing.ErrProxyExhaustedNoFallback):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeRoutingError(w http.ResponseWriter, r *http.Request, decision *routing.RoutingDecision, err error) {
	status := statusForError(err)

	fields := logrus.Fields{"status": status}
	if decision != nil {
		fields["model"] = decision.ModelRef
		fields["transport"] = decision.Transport
		fields["attempt"] = decision.Attempt
	}

	// The caller is gone; there is nobody to write a body to.
	if status == statusClientClosedRequest || r.Context().Err() != nil {
		s.logger.WithFields(fields).Debug("Request cancelled by caller")
		return
	}

	s.logger.WithError(err).WithFields(fields).Warn("Request routing failed")
	s.writeErrorResponse(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	errorType := "api_error"
	switch statusCode {
	case http.StatusBadRequest:
		errorType = "invalid_request_error"
	case http.StatusUnauthorized:
		errorType = "authentication_error"
	case http.StatusServiceUnavailable:
		errorType = "proxy_unavailable"
	}

	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errorType,
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
