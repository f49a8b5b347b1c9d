package synthesis

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-2"
)

// CartesiaConfig contains Cartesia streaming TTS settings
type CartesiaConfig struct {
	Endpoint   string // websocket URL
	APIKey     string
	APIVersion string
	Model      string
	VoiceID    string
	SampleRate int
	Style      Style // initial style
}

// Cartesia synthesizes over Cartesia's websocket API, one connection and
// one context per utterance. Output is raw pcm_s16le.
type Cartesia struct {
	config CartesiaConfig
	dialer *websocket.Dialer

	style Style
	mu    sync.RWMutex
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed   float64 `json:"speed,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

type cartesiaRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	Language         string                    `json:"language,omitempty"`
	ContextID        string                    `json:"context_id"`
	Continue         bool                      `json:"continue"`
}

type cartesiaCancel struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type cartesiaResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	ContextID  string `json:"context_id,omitempty"`
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// NewCartesia creates a Cartesia backend
func NewCartesia(config CartesiaConfig) (*Cartesia, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.VoiceID == "" {
		return nil, fmt.Errorf("voice ID cannot be empty")
	}
	if config.Endpoint == "" {
		config.Endpoint = cartesiaWSURL
	}
	if config.APIVersion == "" {
		config.APIVersion = cartesiaVersion
	}
	if config.Model == "" {
		config.Model = cartesiaModel
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	return &Cartesia{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		style:  config.Style,
	}, nil
}

// SetStyle implements StyleMutable
func (c *Cartesia) SetStyle(style Style) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.style = style
}

// Style implements StyleMutable
func (c *Cartesia) Style() Style {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.style
}

// SampleRate returns the output rate of generated audio
func (c *Cartesia) SampleRate() int {
	return c.config.SampleRate
}

// Synthesize implements Synthesizer. Cancelling ctx sends a cancel for the
// context and closes the connection.
func (c *Cartesia) Synthesize(ctx context.Context, text string, style Style) (<-chan []byte, <-chan error) {
	frames := make(chan []byte, 8)
	errs := make(chan error, 1)

	go func() {
		if err := c.stream(ctx, text, c.effective(style), frames); err != nil {
			errs <- err
		}
		close(frames)
		close(errs)
	}()

	return frames, errs
}

// effective fills zero fields of style from the backend style
func (c *Cartesia) effective(style Style) Style {
	base := c.Style()
	if style.Speed == 0 {
		style.Speed = base.Speed
	}
	if style.Volume == 0 {
		style.Volume = base.Volume
	}
	if style.Emotion == "" {
		style.Emotion = base.Emotion
	}
	if style.Language == "" {
		style.Language = base.Language
	}
	return style
}

func (c *Cartesia) stream(ctx context.Context, text string, style Style, frames chan<- []byte) error {
	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("cartesia_version", c.config.APIVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	contextID := uuid.NewString()
	req := cartesiaRequest{
		ModelID:    c.config.Model,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: c.config.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.config.SampleRate,
		},
		Language:  style.Language,
		ContextID: contextID,
	}
	if style.Speed != 0 || style.Volume != 0 || style.Emotion != "" {
		req.GenerationConfig = &cartesiaGenerationConfig{
			Speed:   style.Speed,
			Volume:  style.Volume,
			Emotion: style.Emotion,
		}
	}

	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	// The read loop never writes, so this goroutine is the only writer
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(cartesiaCancel{ContextID: contextID, Cancel: true})
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg cartesiaResponse
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read response: %w", err)
		}

		switch msg.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				return fmt.Errorf("decode audio: %w", err)
			}
			select {
			case frames <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
			if msg.Done {
				return nil
			}

		case "done":
			return nil

		case "error":
			return errors.New("cartesia error: " + msg.Error)
		}
	}
}
