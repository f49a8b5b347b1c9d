package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/live-translator/internal/pipeline"
)

// Metrics contains all Prometheus metrics for the translator
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Audio input metrics
	FramesReceived      prometheus.Counter
	MalformedFrames     prometheus.Counter
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Segmentation metrics
	UtterancesSealed  prometheus.Counter
	UtterancesDropped prometheus.Counter
	UtteranceDuration prometheus.Histogram

	// Pipeline metrics
	Turns            *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	StateTransitions *prometheus.CounterVec
	BargeIns         prometheus.Counter
	Reconfigurations *prometheus.CounterVec

	// Output metrics
	AudioBytesOut prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "translator_active_sessions",
			Help: "Current number of active translation sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "translator_session_duration_seconds",
			Help:    "Duration of translation sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Audio input metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_frames_received_total",
			Help: "Total number of audio frames received",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_malformed_frames_total",
			Help: "Total number of audio frames rejected as malformed",
		}),
		VADWindowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_vad_windows_processed_total",
			Help: "Total number of fallback VAD windows processed",
		}),
		VADVoiceDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_vad_voice_detected_total",
			Help: "Total number of frames the fallback VAD marked as speech",
		}),

		// Segmentation metrics
		UtterancesSealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_utterances_sealed_total",
			Help: "Total number of utterances sealed by the segmenter",
		}),
		UtterancesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_utterances_dropped_total",
			Help: "Total number of utterances dropped because the turn queue was full",
		}),
		UtteranceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "translator_utterance_duration_seconds",
			Help:    "Duration of sealed utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to 32s
		}),

		// Pipeline metrics
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_turns_total",
			Help: "Total number of turns by outcome",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "translator_turn_duration_seconds",
			Help:    "Duration of a full turn from transcription to end of speech",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "translator_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"stage"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_state_transitions_total",
			Help: "Total number of pipeline state transitions",
		}, []string{"from", "to"}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_barge_ins_total",
			Help: "Total number of speech outputs interrupted by the speaker",
		}),
		Reconfigurations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_reconfigurations_total",
			Help: "Total number of reconfiguration requests by result",
		}, []string{"result"}),

		// Output metrics
		AudioBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "translator_audio_bytes_out_total",
			Help: "Total bytes of synthesized audio sent to clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "translator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "translator_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(durationSeconds float64) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordFrame counts a received frame
func (m *Metrics) RecordFrame(malformed bool) {
	m.FramesReceived.Inc()
	if malformed {
		m.MalformedFrames.Inc()
	}
}

// RecordVADWindows records fallback VAD work for one frame
func (m *Metrics) RecordVADWindows(windows int, hasVoice bool) {
	m.VADWindowsProcessed.Add(float64(windows))
	if hasVoice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordUtterance records a sealed utterance
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	m.UtterancesSealed.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordAudioOut adds synthesized bytes written to a client
func (m *Metrics) RecordAudioOut(bytes int) {
	m.AudioBytesOut.Add(float64(bytes))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// PipelineObserver returns a pipeline.Observer feeding these metrics
func (m *Metrics) PipelineObserver() pipeline.Observer {
	return pipelineObserver{m: m}
}

type pipelineObserver struct {
	m *Metrics
}

func (o pipelineObserver) OnTransition(from, to pipeline.State) {
	o.m.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (o pipelineObserver) OnTurn(outcome pipeline.Outcome, elapsed time.Duration) {
	o.m.Turns.WithLabelValues(string(outcome)).Inc()
	o.m.TurnDuration.Observe(elapsed.Seconds())
}

func (o pipelineObserver) OnStage(stage string, elapsed time.Duration) {
	o.m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (o pipelineObserver) OnBargeIn() {
	o.m.BargeIns.Inc()
}

func (o pipelineObserver) OnReconfiguration(result string) {
	o.m.Reconfigurations.WithLabelValues(result).Inc()
}

func (o pipelineObserver) OnUtteranceDropped() {
	o.m.UtterancesDropped.Inc()
}
