package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSynthesisFailed wraps backend and sink failures during speech output
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrCapabilityUnsupported is returned when the backend has no mutable style
	ErrCapabilityUnsupported = errors.New("capability unsupported")
)

// Style holds advisory voice parameters. Zero fields leave the backend default.
type Style struct {
	Speed    float64 `json:"speed"`
	Volume   float64 `json:"volume"`
	Emotion  string  `json:"emotion"`
	Language string  `json:"language,omitempty"` // spoken language code
}

// DefaultStyle is the style used when configuration gives none
func DefaultStyle() Style {
	return Style{Speed: 1.0, Volume: 1.0, Emotion: "neutral"}
}

// Synthesizer streams PCM16LE audio for text. The frames channel is closed
// when generation ends; the error channel then yields at most one error and
// is closed. Implementations must stop sending once ctx is done.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, style Style) (<-chan []byte, <-chan error)
}

// StyleMutable is implemented by backends whose voice options can change
// between utterances.
type StyleMutable interface {
	SetStyle(style Style)
	Style() Style
}

// Sink receives synthesized audio. Flush marks the end of one utterance.
type Sink interface {
	WriteAudio(pcm []byte) error
	Flush()
}

// Handle is one in-flight speech output
type Handle struct {
	ID   string
	Text string

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex // held while writing to the sink
	cancelled bool
	over      bool
	err       error
	frames    int
	bytes     int
}

// Done is closed when output has finished, failed or been cancelled
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure, if any. Valid after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancelled reports whether Cancel stopped this handle
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Frames returns the number of audio chunks delivered to the sink
func (h *Handle) Frames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames
}

// Controller drives one Synthesizer into one Sink. At most one handle is
// active; starting a new one cancels the previous.
type Controller struct {
	synth  Synthesizer
	sink   Sink
	logger *slog.Logger

	active *Handle

	// Statistics
	started   uint64
	completed uint64
	cancelled uint64
	failed    uint64
	bytesOut  uint64
	lastSpeak time.Time

	mu sync.RWMutex
}

// ControllerStats represents controller statistics
type ControllerStats struct {
	Started   uint64    `json:"started"`
	Completed uint64    `json:"completed"`
	Cancelled uint64    `json:"cancelled"`
	Failed    uint64    `json:"failed"`
	BytesOut  uint64    `json:"bytes_out"`
	Speaking  bool      `json:"speaking"`
	LastSpeak time.Time `json:"last_speak,omitempty"`
}

// NewController creates a controller writing to sink
func NewController(synth Synthesizer, sink Sink, logger *slog.Logger) (*Controller, error) {
	if synth == nil {
		return nil, fmt.Errorf("synthesizer cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{synth: synth, sink: sink, logger: logger}, nil
}

// SetStyle forwards style to the backend when it supports mutable options
func (c *Controller) SetStyle(style Style) error {
	m, ok := c.synth.(StyleMutable)
	if !ok {
		return ErrCapabilityUnsupported
	}
	m.SetStyle(style)
	return nil
}

// BackendStyle returns the backend's current style, if it has one
func (c *Controller) BackendStyle() (Style, bool) {
	m, ok := c.synth.(StyleMutable)
	if !ok {
		return Style{}, false
	}
	return m.Style(), true
}

// Speak starts synthesis asynchronously and returns its handle
func (c *Controller) Speak(ctx context.Context, text string, style Style) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:     uuid.NewString(),
		Text:   text,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	prev := c.active
	c.active = h
	c.started++
	c.lastSpeak = time.Now()
	c.mu.Unlock()

	c.Cancel(prev)

	frames, errs := c.synth.Synthesize(hctx, text, style)
	go c.pump(h, frames, errs)

	return h
}

// pump copies frames to the sink until the stream ends or h is cancelled
func (c *Controller) pump(h *Handle, frames <-chan []byte, errs <-chan error) {
	defer h.cancel()

	var sinkErr error
	for pcm := range frames {
		h.mu.Lock()
		if h.cancelled || sinkErr != nil {
			h.mu.Unlock()
			continue // drain so the backend can exit
		}
		if err := c.sink.WriteAudio(pcm); err != nil {
			sinkErr = err
			h.cancel()
		} else {
			h.frames++
			h.bytes += len(pcm)
		}
		h.mu.Unlock()
	}

	var err error
	if errs != nil {
		err = <-errs
	}
	if sinkErr != nil {
		err = fmt.Errorf("sink write: %w", sinkErr)
	}

	h.mu.Lock()
	cancelled := h.cancelled
	if !cancelled {
		if err != nil {
			h.err = fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		} else {
			c.sink.Flush()
		}
	}
	h.over = true
	bytes := h.bytes
	h.mu.Unlock()

	c.mu.Lock()
	if c.active == h {
		c.active = nil
	}
	c.bytesOut += uint64(bytes)
	switch {
	case cancelled:
		c.cancelled++
	case err != nil:
		c.failed++
	default:
		c.completed++
	}
	c.mu.Unlock()

	if err != nil && !cancelled {
		c.logger.Warn("Synthesis failed",
			slog.String("handle_id", h.ID),
			slog.String("error", err.Error()))
	}

	close(h.done)
}

// Cancel stops h. Once it returns no further audio from h reaches the sink.
// Safe on nil, finished or already cancelled handles.
func (c *Controller) Cancel(h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.cancelled || h.over {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	h.cancel()

	c.logger.Debug("Synthesis cancelled",
		slog.String("handle_id", h.ID),
		slog.Int("frames_sent", h.Frames()))
}

// Active returns the handle currently speaking, or nil
func (c *Controller) Active() *Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// GetStats returns current controller statistics
func (c *Controller) GetStats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		Started:   c.started,
		Completed: c.completed,
		Cancelled: c.cancelled,
		Failed:    c.failed,
		BytesOut:  c.bytesOut,
		Speaking:  c.active != nil,
		LastSpeak: c.lastSpeak,
	}
}
