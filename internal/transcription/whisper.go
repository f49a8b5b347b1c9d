package transcription

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/live-translator/internal/audio"
)

// WhisperModel calls an OpenAI-compatible /audio/transcriptions endpoint
type WhisperModel struct {
	client *openai.Client
	model  string
}

// NewWhisperModel creates a Whisper backend. baseURL may be empty for api.openai.com.
func NewWhisperModel(apiKey, baseURL, model string) (*WhisperModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if model == "" {
		model = openai.Whisper1
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &WhisperModel{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Transcribe implements Model
func (w *WhisperModel) Transcribe(ctx context.Context, pcm []float32, sampleRate int, languageHint string) ([]Segment, error) {
	wav, err := audio.EncodeWAV(audio.FromFloat32(pcm), sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio: %w", err)
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Language: languageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper request failed: %w", err)
	}

	if len(resp.Segments) == 0 {
		return []Segment{{Text: resp.Text, Confidence: 1, Language: resp.Language}}, nil
	}

	segments := make([]Segment, len(resp.Segments))
	for i, s := range resp.Segments {
		// avg_logprob is a mean token log-probability; no_speech_prob discounts silence
		conf := math.Exp(s.AvgLogprob) * (1 - s.NoSpeechProb)
		segments[i] = Segment{Text: s.Text, Confidence: float32(conf), Language: resp.Language}
	}
	return segments, nil
}
