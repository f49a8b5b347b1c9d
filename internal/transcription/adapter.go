package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/live-translator/internal/audio"
)

// ErrTranscriptionFailed wraps any error raised by the underlying model
var ErrTranscriptionFailed = errors.New("transcription failed")

// Segment is one piece of model output in utterance order
type Segment struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"` // detected language, when the model reports one
}

// Model is a batch speech recognizer. pcm is mono, scaled to [-1, 1).
// An empty languageHint asks the model to auto-detect.
type Model interface {
	Transcribe(ctx context.Context, pcm []float32, sampleRate int, languageHint string) ([]Segment, error)
}

// Transcript is the text for one utterance. Valid is false when the model
// heard nothing intelligible; that is a normal outcome, not an error.
type Transcript struct {
	UtteranceID string        `json:"utterance_id"`
	Text        string        `json:"text"`
	Language    string        `json:"language,omitempty"`
	Confidence  float32       `json:"confidence"`
	Valid       bool          `json:"valid"`
	Latency     time.Duration `json:"latency"`
}

// Adapter prepares utterances for a Model and interprets its output
type Adapter struct {
	model      Model
	sampleRate int
	logger     *slog.Logger

	// Statistics
	totalCalls   uint64
	emptyResults uint64
	failedCalls  uint64

	mu sync.RWMutex
}

// AdapterStats represents adapter statistics
type AdapterStats struct {
	TotalCalls   uint64 `json:"total_calls"`
	EmptyResults uint64 `json:"empty_results"`
	FailedCalls  uint64 `json:"failed_calls"`
}

// NewAdapter creates an adapter that resamples every utterance to sampleRate
func NewAdapter(model Model, sampleRate int, logger *slog.Logger) (*Adapter, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{model: model, sampleRate: sampleRate, logger: logger}, nil
}

// Transcribe runs the model once over the whole utterance. The call is bounded
// by ctx; a deadline is reported as ErrTranscriptionFailed like any model error.
func (a *Adapter) Transcribe(ctx context.Context, u *audio.Utterance, languageHint string) (Transcript, error) {
	a.mu.Lock()
	a.totalCalls++
	a.mu.Unlock()

	if u == nil || u.NumSamples() == 0 {
		return Transcript{}, fmt.Errorf("%w: empty utterance", ErrTranscriptionFailed)
	}

	start := time.Now()
	pcm := audio.Normalize(u, a.sampleRate)

	segments, err := a.model.Transcribe(ctx, pcm, a.sampleRate, languageHint)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		a.mu.Lock()
		a.failedCalls++
		a.mu.Unlock()
		return Transcript{}, fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	t := Transcript{
		UtteranceID: u.ID,
		Text:        joinSegments(segments),
		Language:    languageHint,
		Latency:     time.Since(start),
	}

	var confSum float32
	for _, s := range segments {
		confSum += s.Confidence
		if t.Language == "" && s.Language != "" {
			t.Language = s.Language
		}
	}
	if len(segments) > 0 {
		t.Confidence = confSum / float32(len(segments))
	}

	t.Valid = t.Text != ""
	if !t.Valid {
		a.mu.Lock()
		a.emptyResults++
		a.mu.Unlock()
		a.logger.Debug("Empty transcript",
			slog.String("utterance_id", u.ID),
			slog.Duration("audio", u.Duration()),
		)
	}

	return t, nil
}

// joinSegments concatenates segment texts with single spaces
func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// GetStats returns current adapter statistics
func (a *Adapter) GetStats() AdapterStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return AdapterStats{
		TotalCalls:   a.totalCalls,
		EmptyResults: a.emptyResults,
		FailedCalls:  a.failedCalls,
	}
}
