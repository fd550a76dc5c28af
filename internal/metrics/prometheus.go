package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the assistant gateway
type Metrics struct {
	// Ingest metrics
	AudioFramesReceived prometheus.Counter
	VideoFramesReceived prometheus.Counter
	ParseErrors         prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Endpointing metrics
	SpeechStarts        prometheus.Counter
	UtterancesFinalized prometheus.Counter
	FinalizesDeferred   prometheus.Counter
	UtteranceDuration   prometheus.Histogram

	// Dispatch metrics
	Dispatches       *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	DispatchRetries  prometheus.Counter
	PayloadSize      prometheus.Histogram
	FramesPerRequest prometheus.Histogram

	// Speech output metrics
	SpeechOutputs *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg. A nil reg uses
// the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Ingest metrics
		AudioFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_audio_frames_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		VideoFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_video_frames_received_total",
			Help: "Total number of camera or screen frames received from clients",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_parse_errors_total",
			Help: "Total number of malformed client messages",
		}),

		// Session metrics
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "assistant_active_sessions",
			Help: "Current number of connected sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Endpointing metrics
		SpeechStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_speech_starts_total",
			Help: "Total number of detected speech onsets",
		}),
		UtterancesFinalized: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_utterances_finalized_total",
			Help: "Total number of utterances closed by the endpointer",
		}),
		FinalizesDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_finalizes_deferred_total",
			Help: "Finalized utterances held over because a dispatch was pending",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_utterance_duration_seconds",
			Help:    "Duration of finalized utterances",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		// Dispatch metrics
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_dispatches_total",
			Help: "Utterance dispatches by outcome",
		}, []string{"outcome"}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_dispatch_duration_seconds",
			Help:    "Duration of generative requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
		DispatchRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "assistant_dispatch_retries_total",
			Help: "Total number of generative request retries",
		}),
		PayloadSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_payload_size_chars",
			Help:    "Length of the base64 audio payload",
			Buckets: prometheus.ExponentialBuckets(12500, 2, 10), // 12.5k to ~6.4M
		}),
		FramesPerRequest: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "assistant_frames_per_request",
			Help:    "Number of image frames attached to a request",
			Buckets: prometheus.LinearBuckets(0, 2, 8),
		}),

		// Speech output metrics
		SpeechOutputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_speech_outputs_total",
			Help: "Replies handed to speech synthesizers",
		}, []string{"synthesizer", "result"}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// All Record and Set methods are safe on a nil *Metrics.

// RecordAudioFrame increments the audio frames counter
func (m *Metrics) RecordAudioFrame() {
	if m == nil {
		return
	}
	m.AudioFramesReceived.Inc()
}

// RecordVideoFrame increments the video frames counter
func (m *Metrics) RecordVideoFrame() {
	if m == nil {
		return
	}
	m.VideoFramesReceived.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSpeechStart increments the speech onset counter
func (m *Metrics) RecordSpeechStart() {
	if m == nil {
		return
	}
	m.SpeechStarts.Inc()
}

// RecordUtterance records a finalized utterance. deferred marks one that was
// held over because a dispatch was still pending.
func (m *Metrics) RecordUtterance(durationSeconds float64, deferred bool) {
	if m == nil {
		return
	}
	m.UtterancesFinalized.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
	if deferred {
		m.FinalizesDeferred.Inc()
	}
}

// RecordDispatch records the outcome of one dispatch
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(outcome).Inc()
}

// RecordRequest records a completed generative request
func (m *Metrics) RecordRequest(durationSeconds float64, payloadChars, frames int) {
	if m == nil {
		return
	}
	m.DispatchDuration.Observe(durationSeconds)
	m.PayloadSize.Observe(float64(payloadChars))
	m.FramesPerRequest.Observe(float64(frames))
}

// RecordRetry increments the retry counter
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.DispatchRetries.Inc()
}

// RecordSpeechOutput records a reply handed to a synthesizer
func (m *Metrics) RecordSpeechOutput(synthesizer, result string) {
	if m == nil {
		return
	}
	m.SpeechOutputs.WithLabelValues(synthesizer, result).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
