package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/live-translator/internal/audio"
	"github.com/skypro1111/live-translator/internal/metrics"
	"github.com/skypro1111/live-translator/internal/pipeline"
	"github.com/skypro1111/live-translator/internal/protocol"
	"github.com/skypro1111/live-translator/internal/reconfig"
	"github.com/skypro1111/live-translator/internal/synthesis"
	"github.com/skypro1111/live-translator/internal/translation"
	"github.com/skypro1111/live-translator/internal/vad"
)

var (
	// ErrSessionExists is returned when a session id is already in use
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionLimit is returned when MaxSessions sessions are active
	ErrSessionLimit = errors.New("session limit reached")
)

const defaultCleanupInterval = 30 * time.Second

// VADConfig holds fallback VAD processor configuration
type VADConfig struct {
	Threshold  float32
	WindowSize int
	SampleRate int
}

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Segmenter audio.SegmenterConfig
	VAD       VADConfig

	TranscriptionTimeout time.Duration
	TranslationTimeout   time.Duration
	MaxTurns             int
	QueueSize            int

	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	MaxSessions     int // 0 means unlimited

	DefaultSource string
	DefaultTarget string
	DefaultStyle  synthesis.Style
}

// Backends are the model clients shared by all sessions
type Backends struct {
	Transcriber pipeline.Transcriber
	Completer   translation.Completer
	// NewSynthesizer builds the speech backend for one session
	NewSynthesizer func(style synthesis.Style) (synthesis.Synthesizer, error)
	Metrics        *metrics.Metrics // optional
}

// Start describes a session requested by a client
type Start struct {
	SessionID      string                `json:"session_id,omitempty"`
	SourceLanguage string                `json:"source_language,omitempty"`
	TargetLanguage string                `json:"target_language,omitempty"`
	Voice          *reconfig.VoiceChange `json:"voice_settings,omitempty"`
}

// Session is one remote party's translation pipeline
type Session struct {
	ID           string
	StartTime    time.Time
	LastActivity time.Time

	segmenter  *audio.Segmenter
	vad        *vad.Processor
	translator *translation.Context
	speaker    *synthesis.Controller
	orch       *pipeline.Orchestrator
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Statistics
	framesReceived      uint64
	malformedFrames     uint64
	utterancesSubmitted uint64

	cancel context.CancelFunc
	done   chan struct{}

	mu sync.RWMutex
}

// Manager manages all active translation sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	config   ManagerConfig
	backends Backends

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new session manager and starts its idle cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, backends Backends) (*Manager, error) {
	if backends.Transcriber == nil {
		return nil, fmt.Errorf("transcriber cannot be nil")
	}
	if backends.Completer == nil {
		return nil, fmt.Errorf("completer cannot be nil")
	}
	if backends.NewSynthesizer == nil {
		return nil, fmt.Errorf("synthesizer factory cannot be nil")
	}
	if err := config.Segmenter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}
	if config.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if config.DefaultStyle == (synthesis.Style{}) {
		config.DefaultStyle = synthesis.DefaultStyle()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		config:   config,
		backends: backends,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession builds and starts a pipeline writing synthesized audio to sink
func (m *Manager) CreateSession(start Start, sink synthesis.Sink) (*Session, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	source := start.SourceLanguage
	if source == "" {
		source = m.config.DefaultSource
	}
	target := start.TargetLanguage
	if target == "" {
		target = m.config.DefaultTarget
	}
	if target == "" {
		return nil, fmt.Errorf("target language cannot be empty")
	}

	style := m.config.DefaultStyle
	if v := start.Voice; v != nil {
		if err := reconfig.NormalizeVoice(v); err != nil {
			return nil, err
		}
		if v.Speed != nil {
			style.Speed = *v.Speed
		}
		if v.Volume != nil {
			style.Volume = *v.Volume
		}
		if v.Emotion != nil {
			style.Emotion = *v.Emotion
		}
	}
	style.Language = reconfig.TranscriptionCode(target)

	id := start.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("session manager stopped")
	}
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, len(m.sessions))
	}

	logger := m.logger.With(slog.String("session_id", id))

	synth, err := m.backends.NewSynthesizer(style)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	translator, err := translation.NewContext(m.backends.Completer, source, target, m.config.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to create translation context: %w", err)
	}

	if mt := m.backends.Metrics; mt != nil {
		sink = meteredSink{Sink: sink, metrics: mt}
	}
	speaker, err := synthesis.NewController(synth, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis controller: %w", err)
	}

	var observer pipeline.Observer
	if mt := m.backends.Metrics; mt != nil {
		observer = mt.PipelineObserver()
	}
	orch, err := pipeline.New(pipeline.Config{
		SessionID:            id,
		SourceLanguage:       source,
		TargetLanguage:       target,
		Style:                style,
		TranscriptionTimeout: m.config.TranscriptionTimeout,
		TranslationTimeout:   m.config.TranslationTimeout,
		QueueSize:            m.config.QueueSize,
	}, pipeline.Deps{
		Transcriber: m.backends.Transcriber,
		Translator:  translator,
		Speaker:     speaker,
		Observer:    observer,
		Logger:      m.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	vadProcessor, err := vad.NewProcessor(m.config.VAD.Threshold, m.config.VAD.WindowSize, m.config.VAD.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	segmenter, err := audio.NewSegmenter(m.config.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}
	segmenter.OnSpeechStart(orch.SpeechStarted)

	ctx, cancel := context.WithCancel(m.ctx)
	now := time.Now()
	session := &Session{
		ID:           id,
		StartTime:    now,
		LastActivity: now,
		segmenter:    segmenter,
		vad:          vadProcessor,
		translator:   translator,
		speaker:      speaker,
		orch:         orch,
		metrics:      m.backends.Metrics,
		logger:       logger,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go func() {
		defer close(session.done)
		if err := orch.Run(ctx); err != nil {
			logger.Error("Orchestrator stopped", slog.String("error", err.Error()))
		}
	}()

	m.sessions[id] = session
	if mt := m.backends.Metrics; mt != nil {
		mt.RecordSessionCreated()
		mt.SetActiveSessions(len(m.sessions))
	}

	logger.Info("Created translation session",
		slog.String("source_language", source),
		slog.String("target_language", target),
		slog.Float64("speed", style.Speed),
		slog.String("emotion", style.Emotion),
	)

	return session, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions (for monitoring)
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// RemoveSession stops a session's pipeline and drops any unfinished utterance.
// It returns once in-flight synthesis has been cancelled.
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.stop()

	if mt := m.backends.Metrics; mt != nil {
		mt.RecordSessionDestroyed(time.Since(session.StartTime).Seconds())
		mt.SetActiveSessions(remaining)
	}

	stats := session.orch.Stats()
	session.logger.Info("Translation session removed",
		slog.Duration("duration", time.Since(session.StartTime)),
		slog.Uint64("turns", stats.Turns),
		slog.Uint64("barge_ins", stats.BargeIns),
		slog.Uint64("reconfigs_applied", stats.ReconfigsApplied),
	)

	return true
}

// Stop gracefully stops the session manager and every session
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	// Cancel context to stop cleanup routine and refuse new sessions
	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.RemoveSession(id)
	}

	m.logger.Info("Session manager stopped", slog.Int("sessions_closed", len(ids)))
}

// startCleanupRoutine runs in a separate goroutine to clean up idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle sessions", slog.Int("expired_count", len(expired)))

		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}

// IngestFrame feeds one audio frame into the segmenter. It never waits on a
// model call; sealed utterances are queued for the orchestrator.
func (s *Session) IngestFrame(frame *protocol.Frame) error {
	if frame == nil || frame.Header == nil {
		return fmt.Errorf("%w: missing frame header", audio.ErrMalformedAudioInput)
	}
	h := frame.Header
	if h.FrameType != protocol.FrameTypeInputAudio {
		return fmt.Errorf("%w: unexpected frame type 0x%02x", audio.ErrMalformedAudioInput, h.FrameType)
	}

	now := time.Now()
	s.mu.Lock()
	s.LastActivity = now
	s.framesReceived++
	s.mu.Unlock()

	speech, probability := h.Speech(), h.SpeechProbability()
	if !h.HasVAD() && len(frame.Samples) > 0 {
		result, err := s.vad.Process(frame.Samples)
		if err != nil {
			return fmt.Errorf("VAD processing failed: %w", err)
		}
		speech, probability = result.HasVoice, result.Probability
		if s.metrics != nil {
			s.metrics.RecordVADWindows(result.Windows, result.HasVoice)
		}
	}

	utt, err := s.segmenter.Push(audio.Frame{
		Sequence:    h.Sequence,
		SampleRate:  int(h.SampleRate),
		Channels:    int(h.Channels),
		Samples:     frame.Samples,
		Speech:      speech,
		Probability: probability,
		Received:    now,
	})
	if s.metrics != nil {
		s.metrics.RecordFrame(err != nil)
	}
	if err != nil {
		s.mu.Lock()
		s.malformedFrames++
		s.mu.Unlock()
		s.logger.Warn("Dropping malformed audio", slog.String("error", err.Error()))
		return err
	}

	s.submit(utt)
	return nil
}

// EndOfSpeech seals the in-progress utterance without waiting for the hold time
func (s *Session) EndOfSpeech() {
	s.touch()
	s.submit(s.segmenter.ForceSeal())
}

// HandleMetadata applies a reconfiguration payload
func (s *Session) HandleMetadata(raw []byte) error {
	s.touch()
	return s.orch.Reconfigure(raw)
}

// Done is closed when the session's pipeline has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) submit(utt *audio.Utterance) {
	if utt == nil {
		return
	}

	s.mu.Lock()
	s.utterancesSubmitted++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordUtterance(utt.Duration().Seconds())
	}

	s.logger.Debug("Utterance sealed",
		slog.String("utterance_id", utt.ID),
		slog.Duration("duration", utt.Duration()),
		slog.Bool("forced", utt.Forced),
		slog.Float64("confidence", float64(utt.Confidence)),
	)
	s.orch.SubmitUtterance(utt)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// stop cancels the pipeline and waits for it. Unsealed audio is discarded.
func (s *Session) stop() {
	s.cancel()
	<-s.done
	s.segmenter.Reset()
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID    string        `json:"session_id"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	FramesReceived      uint64 `json:"frames_received"`
	MalformedFrames     uint64 `json:"malformed_frames"`
	UtterancesSubmitted uint64 `json:"utterances_submitted"`
	HistoryMessages     int    `json:"history_messages"`

	Pipeline  pipeline.Stats            `json:"pipeline"`
	Segmenter audio.SegmenterStats      `json:"segmenter"`
	Synthesis synthesis.ControllerStats `json:"synthesis"`
	VAD       vad.ProcessorStats        `json:"vad"`
}

// GetSessionInfo returns session information including pipeline stats
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		SessionID:           s.ID,
		StartTime:           s.StartTime,
		LastActivity:        s.LastActivity,
		Duration:            time.Since(s.StartTime),
		FramesReceived:      s.framesReceived,
		MalformedFrames:     s.malformedFrames,
		UtterancesSubmitted: s.utterancesSubmitted,
	}
	s.mu.RUnlock()

	info.HistoryMessages = s.translator.Len()
	info.Pipeline = s.orch.Stats()
	info.Segmenter = s.segmenter.GetStats()
	info.Synthesis = s.speaker.GetStats()
	info.VAD = s.vad.GetStats()
	return info
}

// meteredSink counts audio bytes delivered to the client
type meteredSink struct {
	synthesis.Sink
	metrics *metrics.Metrics
}

func (s meteredSink) WriteAudio(pcm []byte) error {
	if err := s.Sink.WriteAudio(pcm); err != nil {
		return err
	}
	s.metrics.RecordAudioOut(len(pcm))
	return nil
}
