package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedAudioInput is returned when a frame's sample format differs from
// the frames before it. The in-progress utterance is dropped.
var ErrMalformedAudioInput = errors.New("malformed audio input")

// SegmentState represents the current state of the segmenter
type SegmentState int

const (
	StateIdle SegmentState = iota
	StateCollecting
	StateHolding // speech stopped, waiting out the hold time
)

func (s SegmentState) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateHolding:
		return "holding"
	default:
		return "idle"
	}
}

// Frame is one block of mono or interleaved PCM16 audio with its VAD decision
type Frame struct {
	Sequence    uint32
	SampleRate  int
	Channels    int
	Samples     []int16
	Speech      bool
	Probability float32
	Received    time.Time
}

// Duration returns the audio length of the frame
func (f *Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return samplesDuration(len(f.Samples)/f.Channels, f.SampleRate)
}

// Utterance is a sealed span of speech. It is never modified after Push or
// ForceSeal returns it.
type Utterance struct {
	ID         string        `json:"id"`
	SampleRate int           `json:"sample_rate"`
	Frames     [][]int16     `json:"-"` // mono, in arrival order
	StartSeq   uint32        `json:"start_seq"`
	EndSeq     uint32        `json:"end_seq"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Confidence float32       `json:"confidence"` // mean VAD probability over speech frames
	Forced     bool          `json:"forced"`     // sealed by ForceSeal or the length cap
	Length     time.Duration `json:"duration"`
}

// Duration returns the audio length of the utterance
func (u *Utterance) Duration() time.Duration {
	return u.Length
}

// NumSamples returns the total number of samples across all frames
func (u *Utterance) NumSamples() int {
	n := 0
	for _, f := range u.Frames {
		n += len(f)
	}
	return n
}

// SegmenterConfig contains configuration for utterance segmentation
type SegmenterConfig struct {
	HoldTime          time.Duration // silence that ends an utterance
	PreRoll           time.Duration // silence kept ahead of speech onset
	MinSpeechDuration time.Duration // shorter speech is discarded as noise
	MaxDuration       time.Duration // utterances are force-sealed at this length
}

// Validate validates segmenter configuration
func (c SegmenterConfig) Validate() error {
	if c.HoldTime <= 0 {
		return fmt.Errorf("hold time must be positive, got %v", c.HoldTime)
	}
	if c.PreRoll < 0 {
		return fmt.Errorf("pre-roll cannot be negative, got %v", c.PreRoll)
	}
	if c.MaxDuration <= c.MinSpeechDuration {
		return fmt.Errorf("max duration (%v) must exceed min speech duration (%v)", c.MaxDuration, c.MinSpeechDuration)
	}
	return nil
}

// Segmenter turns a frame stream with VAD decisions into utterances
type Segmenter struct {
	config SegmenterConfig
	state  SegmentState

	onSpeechStart func()

	// stream format, fixed by the first frame
	sampleRate int
	channels   int
	lastSeq    uint32
	seenFrame  bool

	preRoll    [][]int16
	preRollLen time.Duration

	frames      [][]int16
	lastSpeech  int // len(frames) after the most recent speech frame
	startSeq    uint32
	endSeq      uint32
	startTime   time.Time
	endTime     time.Time
	totalLen    time.Duration
	speechLen   time.Duration
	silenceLen  time.Duration
	probSum     float32
	speechCount int

	// Statistics
	utterancesSealed uint64
	discardedShort   uint64
	droppedFrames    uint64
	malformedFrames  uint64

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State            string  `json:"state"`
	UtterancesSealed uint64  `json:"utterances_sealed"`
	DiscardedShort   uint64  `json:"discarded_short"`
	DroppedFrames    uint64  `json:"dropped_frames"`
	MalformedFrames  uint64  `json:"malformed_frames"`
	PendingSeconds   float64 `json:"pending_seconds"`
}

// NewSegmenter creates a new segmenter
func NewSegmenter(config SegmenterConfig) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{config: config}, nil
}

// OnSpeechStart registers a callback fired on every silence to speech edge.
// It runs on the goroutine calling Push after the segmenter lock is released.
func (s *Segmenter) OnSpeechStart(fn func()) {
	s.mu.Lock()
	s.onSpeechStart = fn
	s.mu.Unlock()
}

// Push adds a frame. It returns a sealed utterance when the frame completes one.
// Frames with a sequence number not after the previous frame are dropped.
func (s *Segmenter) Push(f Frame) (*Utterance, error) {
	utt, started, err := s.push(f)
	if started {
		s.mu.Lock()
		fn := s.onSpeechStart
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return utt, err
}

func (s *Segmenter) push(f Frame) (*Utterance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.SampleRate <= 0 || f.Channels <= 0 || len(f.Samples)%f.Channels != 0 {
		s.malformedFrames++
		s.dropPending()
		return nil, false, fmt.Errorf("%w: rate %d, %d channels, %d samples",
			ErrMalformedAudioInput, f.SampleRate, f.Channels, len(f.Samples))
	}

	if s.seenFrame && f.Sequence <= s.lastSeq {
		s.droppedFrames++
		return nil, false, nil
	}

	if s.seenFrame && (f.SampleRate != s.sampleRate || f.Channels != s.channels) {
		prevRate, prevChannels := s.sampleRate, s.channels
		s.malformedFrames++
		s.dropPending()
		s.sampleRate, s.channels = f.SampleRate, f.Channels
		s.lastSeq = f.Sequence
		return nil, false, fmt.Errorf("%w: format changed from %d Hz/%d ch to %d Hz/%d ch",
			ErrMalformedAudioInput, prevRate, prevChannels, f.SampleRate, f.Channels)
	}

	s.seenFrame = true
	s.sampleRate, s.channels = f.SampleRate, f.Channels
	s.lastSeq = f.Sequence

	if len(f.Samples) == 0 {
		return nil, false, nil
	}

	mono := downmix(f.Samples, f.Channels)
	d := samplesDuration(len(mono), f.SampleRate)
	received := f.Received
	if received.IsZero() {
		received = time.Now()
	}

	switch s.state {
	case StateIdle:
		if !f.Speech {
			s.addPreRoll(mono, d)
			return nil, false, nil
		}
		s.begin(f, received)
		s.appendSpeech(mono, d, f)
		return s.checkLength(), true, nil

	case StateCollecting, StateHolding:
		if f.Speech {
			s.silenceLen = 0
			s.appendSpeech(mono, d, f)
			s.state = StateCollecting
			return s.checkLength(), false, nil
		}
		s.appendSilence(mono, d)
		s.state = StateHolding
		if s.silenceLen >= s.config.HoldTime {
			return s.seal(false), false, nil
		}
		return s.checkLength(), false, nil
	}

	return nil, false, nil
}

func (s *Segmenter) begin(f Frame, received time.Time) {
	s.frames = append(s.frames[:0], s.preRoll...)
	s.totalLen = s.preRollLen
	s.startTime = received.Add(-s.preRollLen)
	s.preRoll = nil
	s.preRollLen = 0
	s.startSeq = f.Sequence
	s.speechLen = 0
	s.silenceLen = 0
	s.probSum = 0
	s.speechCount = 0
	s.state = StateCollecting
}

func (s *Segmenter) appendSpeech(mono []int16, d time.Duration, f Frame) {
	s.frames = append(s.frames, mono)
	s.lastSpeech = len(s.frames)
	s.totalLen += d
	s.speechLen += d
	s.probSum += f.Probability
	s.speechCount++
	s.endSeq = f.Sequence
	s.endTime = frameEnd(f.Received, d)
}

func (s *Segmenter) appendSilence(mono []int16, d time.Duration) {
	s.frames = append(s.frames, mono)
	s.totalLen += d
	s.silenceLen += d
}

func (s *Segmenter) addPreRoll(mono []int16, d time.Duration) {
	if s.config.PreRoll == 0 {
		return
	}
	s.preRoll = append(s.preRoll, mono)
	s.preRollLen += d
	for len(s.preRoll) > 1 && s.preRollLen-samplesDuration(len(s.preRoll[0]), s.sampleRate) >= s.config.PreRoll {
		s.preRollLen -= samplesDuration(len(s.preRoll[0]), s.sampleRate)
		s.preRoll = s.preRoll[1:]
	}
}

func (s *Segmenter) checkLength() *Utterance {
	if s.state != StateIdle && s.totalLen >= s.config.MaxDuration {
		return s.seal(true)
	}
	return nil
}

// seal finishes the in-progress utterance, trimming trailing silence.
// Returns nil when there is no speech or it is shorter than MinSpeechDuration.
func (s *Segmenter) seal(forced bool) *Utterance {
	defer s.resetPending()

	if s.state == StateIdle || s.lastSpeech == 0 {
		return nil
	}
	if s.speechLen < s.config.MinSpeechDuration {
		s.discardedShort++
		return nil
	}

	frames := make([][]int16, s.lastSpeech)
	n := 0
	for i := 0; i < s.lastSpeech; i++ {
		frames[i] = append([]int16(nil), s.frames[i]...)
		n += len(frames[i])
	}
	if n == 0 {
		return nil
	}

	var confidence float32
	if s.speechCount > 0 {
		confidence = s.probSum / float32(s.speechCount)
	}

	s.utterancesSealed++
	return &Utterance{
		ID:         uuid.NewString(),
		SampleRate: s.sampleRate,
		Frames:     frames,
		StartSeq:   s.startSeq,
		EndSeq:     s.endSeq,
		StartTime:  s.startTime,
		EndTime:    s.endTime,
		Confidence: confidence,
		Forced:     forced,
		Length:     samplesDuration(n, s.sampleRate),
	}
}

func (s *Segmenter) resetPending() {
	s.state = StateIdle
	s.frames = nil
	s.lastSpeech = 0
	s.totalLen = 0
	s.speechLen = 0
	s.silenceLen = 0
	s.probSum = 0
	s.speechCount = 0
}

func (s *Segmenter) dropPending() {
	s.resetPending()
	s.preRoll = nil
	s.preRollLen = 0
}

// ForceSeal ends the in-progress utterance immediately. It returns nil when
// nothing is being collected.
func (s *Segmenter) ForceSeal() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seal(true)
}

// Reset drops any in-progress utterance and pre-roll audio
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPending()
}

// State returns the current segmentation state
func (s *Segmenter) State() SegmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:            s.state.String(),
		UtterancesSealed: s.utterancesSealed,
		DiscardedShort:   s.discardedShort,
		DroppedFrames:    s.droppedFrames,
		MalformedFrames:  s.malformedFrames,
		PendingSeconds:   s.totalLen.Seconds(),
	}
}

func samplesDuration(n, sampleRate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

func frameEnd(received time.Time, d time.Duration) time.Time {
	if received.IsZero() {
		return time.Now()
	}
	return received.Add(d)
}

func downmix(samples []int16, channels int) []int16 {
	if channels == 1 {
		return append([]int16(nil), samples...)
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}
