package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/live-translator/internal/config"
	"github.com/skypro1111/live-translator/internal/metrics"
	"github.com/skypro1111/live-translator/internal/session"
	"github.com/skypro1111/live-translator/internal/transcription"
)

const serviceName = "live-translator"
const serviceVersion = "1.0.0"

// HTTPDeps are the components the monitoring API reports on
type HTTPDeps struct {
	Config      *config.Config
	SessionMgr  *session.Manager
	WSServer    *WSServer
	Transcriber *transcription.Adapter // optional
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
	deps   HTTPDeps

	// Server state
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps HTTPDeps) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API routes
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.deps.Metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
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

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]interface{}{
		"session_manager": map[string]interface{}{
			"status":          "running",
			"active_sessions": h.deps.SessionMgr.GetActiveSessionCount(),
		},
	}
	if h.deps.WSServer != nil {
		wsStats := h.deps.WSServer.GetStatistics()
		components["websocket_server"] = map[string]interface{}{
			"status":             "running",
			"active_connections": wsStats.ActiveConnections,
			"parse_errors":       wsStats.ParseErrors,
		}
	}
	if h.deps.Transcriber != nil {
		ts := h.deps.Transcriber.GetStats()
		components["transcription"] = map[string]interface{}{
			"status":       "running",
			"total_calls":  ts.TotalCalls,
			"failed_calls": ts.FailedCalls,
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.deps.SessionMgr.GetAllSessions()
	infos := make([]session.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetSessionInfo())
	}

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Path[len("/sessions/"):]
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	s, exists := h.deps.SessionMgr.GetSession(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config
	// API keys are intentionally omitted
	writeJSON(w, map[string]interface{}{
		"server": map[string]interface{}{
			"port":            cfg.Server.Port,
			"bind_address":    cfg.Server.BindAddress,
			"path":            cfg.Server.Path,
			"read_limit":      cfg.Server.ReadLimit,
			"allowed_origins": cfg.Server.AllowedOrigins,
			"max_sessions":    cfg.Server.MaxSessions,
		},
		"audio": map[string]interface{}{
			"sample_rate":          cfg.Audio.SampleRate,
			"hold_time":            cfg.Audio.HoldTime,
			"pre_roll":             cfg.Audio.PreRoll,
			"min_speech_duration":  cfg.Audio.MinSpeechDuration,
			"max_utterance_length": cfg.Audio.MaxUtteranceLength,
		},
		"vad": map[string]interface{}{
			"threshold":   cfg.VAD.Threshold,
			"window_size": cfg.VAD.WindowSize,
		},
		"transcription": map[string]interface{}{
			"provider":       cfg.Transcription.Provider,
			"endpoint":       cfg.Transcription.Endpoint,
			"model":          cfg.Transcription.Model,
			"timeout":        cfg.Transcription.Timeout,
			"max_retries":    cfg.Transcription.MaxRetries,
			"max_concurrent": cfg.Transcription.MaxConcurrent,
		},
		"translation": map[string]interface{}{
			"base_url":    cfg.Translation.BaseURL,
			"model":       cfg.Translation.Model,
			"temperature": cfg.Translation.Temperature,
			"timeout":     cfg.Translation.Timeout,
			"max_turns":   cfg.Translation.MaxTurns,
		},
		"synthesis": map[string]interface{}{
			"endpoint":      cfg.Synthesis.Endpoint,
			"model":         cfg.Synthesis.Model,
			"voice_id":      cfg.Synthesis.VoiceID,
			"sample_rate":   cfg.Synthesis.SampleRate,
			"default_style": cfg.Synthesis.Style,
		},
		"session": map[string]interface{}{
			"source_language": cfg.Session.SourceLanguage,
			"target_language": cfg.Session.TargetLanguage,
			"idle_timeout":    cfg.Session.IdleTimeout,
			"queue_size":      cfg.Session.QueueSize,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.deps.SessionMgr.GetActiveSessionCount(),
		},
	}
	if h.deps.WSServer != nil {
		stats["websocket"] = h.deps.WSServer.GetStatistics()
	}
	if h.deps.Transcriber != nil {
		stats["transcription"] = h.deps.Transcriber.GetStats()
	}

	writeJSON(w, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Transcriber == nil {
		http.Error(w, "Transcription stats unavailable", http.StatusNotFound)
		return
	}

	writeJSON(w, h.deps.Transcriber.GetStats())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"service": "Live Speech Translation Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                      "API documentation",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all active sessions",
			"GET /sessions/{session_id}": "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /stats/transcription":   "Get transcription statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
