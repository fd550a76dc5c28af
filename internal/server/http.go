package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/youkpan/gemini-assistant/internal/config"
	"github.com/youkpan/gemini-assistant/internal/gemini"
	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/speech"
	"github.com/youkpan/gemini-assistant/internal/stream"
)

const serviceName = "gemini-assistant"

// HTTPServer serves the browser WebSocket endpoint alongside the
// monitoring API
type HTTPServer struct {
	server    *http.Server
	handler   http.Handler
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	ws        *WSServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	// Optional components reported by /health and /stats
	client  *gemini.Client
	speaker *speech.MQTTSpeaker

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// HTTPOption configures optional HTTP server components
type HTTPOption func(*HTTPServer)

// WithGeminiClient reports the model client's statistics.
func WithGeminiClient(c *gemini.Client) HTTPOption { return func(h *HTTPServer) { h.client = c } }

// WithSpeaker reports the MQTT speaker's statistics.
func WithSpeaker(s *speech.MQTTSpeaker) HTTPOption { return func(h *HTTPServer) { h.speaker = s } }

// NewHTTPServer creates a new HTTP server. A nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	streamMgr *stream.Manager, ws *WSServer, m *metrics.Metrics, gatherer prometheus.Gatherer, opts ...HTTPOption) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		streamMgr: streamMgr,
		ws:        ws,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No read or write timeouts: upgraded connections live for minutes and
	// gorilla/websocket manages their deadlines itself.
	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Browser endpoint
	mux.Handle("/ws", h.ws)

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Sessions monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
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

// ListenAndServe serves until Stop is called. It returns nil after a
// graceful shutdown.
func (h *HTTPServer) ListenAndServe() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server. Hijacked WebSocket connections
// are not tracked by net/http; close them through WSServer.Close.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wsStats := h.ws.GetStatistics()
	mgrStats := h.streamMgr.GetStats()

	components := map[string]any{
		"websocket": map[string]any{
			"status":             "running",
			"active_connections": wsStats.ActiveConnections,
			"audio_packets":      wsStats.AudioPackets,
			"parse_errors":       wsStats.ParseErrors,
		},
		"stream_manager": map[string]any{
			"status":          "running",
			"active_sessions": mgrStats.ActiveSessions,
			"busy_sessions":   mgrStats.BusySessions,
		},
	}
	if h.client != nil {
		stats := h.client.GetStats()
		components["gemini"] = map[string]any{
			"status":          "running",
			"model":           stats.Model,
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}
	if h.speaker != nil {
		components["mqtt"] = h.speaker.GetStats()
	}

	writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": "1.0.0",
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

	sessions := h.streamMgr.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.GetSessionInfo())
	}

	writeJSON(w, map[string]any{
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

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	writeJSON(w, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	// Credentials are never echoed.
	writeJSON(w, map[string]any{
		"server": map[string]any{
			"port":            c.Server.Port,
			"address":         c.Server.Address,
			"max_sessions":    c.Server.MaxSessions,
			"session_timeout": c.Server.SessionTimeout,
			"ping_interval":   c.Server.PingInterval,
			"allowed_origins": c.Server.AllowedOrigins,
		},
		"audio": map[string]any{
			"max_buffer_seconds": c.Audio.MaxBufferSeconds,
			"auto_mode":          c.Audio.AutoMode,
		},
		"vad": map[string]any{
			"energy_threshold": c.VAD.EnergyThreshold,
			"debounce_frames":  c.VAD.DebounceFrames,
			"hangover_ms":      c.VAD.HangoverMs,
			"min_utterance_ms": c.VAD.MinUtteranceMs,
		},
		"frames": map[string]any{
			"window_limit":   c.Frames.WindowLimit,
			"retain_frames":  c.Frames.RetainFrames,
			"one_shot_limit": c.Frames.OneShotLimit,
			"sample_from":    c.Frames.SampleFrom,
			"sample_points":  c.Frames.SamplePoints,
			"edges_above":    c.Frames.EdgesAbove,
		},
		"dispatch": map[string]any{
			"min_payload_chars": c.Dispatch.MinPayloadChars,
			"timeout":           c.Dispatch.Timeout,
			"max_retries":       c.Dispatch.MaxRetries,
			"retry_backoff_ms":  c.Dispatch.RetryBackoffMs,
			"allow_audio_only":  c.Dispatch.AllowAudioOnly,
		},
		"gemini": map[string]any{
			"model":             c.Gemini.Model,
			"max_concurrent":    c.Gemini.MaxConcurrent,
			"max_output_tokens": c.Gemini.MaxOutputTokens,
			"refresh_every":     c.Gemini.RefreshEvery,
			"reset_every":       c.Gemini.ResetEvery,
		},
		"mqtt": map[string]any{
			"enabled":   c.MQTT.Enabled,
			"broker":    c.MQTT.Broker,
			"client_id": c.MQTT.ClientID,
			"topic":     c.MQTT.Topic,
			"qos":       c.MQTT.QoS,
		},
		"tracing": map[string]any{
			"enabled":      c.Tracing.Enabled,
			"service_name": c.Tracing.ServiceName,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"websocket": h.ws.GetStatistics(),
		"sessions":  h.streamMgr.GetStats(),
	}
	if h.client != nil {
		stats["gemini"] = h.client.GetStats()
	}
	if h.speaker != nil {
		stats["mqtt"] = h.speaker.GetStats()
	}

	writeJSON(w, stats)
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

	writeJSON(w, map[string]any{
		"service": "Gemini Assistant Gateway",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                      "API documentation",
			"GET /ws":                    "Browser WebSocket endpoint",
			"GET /health":                "Service health check",
			"GET /sessions":              "List all active sessions",
			"GET /sessions/{session_id}": "Get detailed session information",
			"GET /config":                "Get service configuration",
			"GET /stats":                 "Get service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
