package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// referenceRMS is the RMS level mapped to probability 1.0
const referenceRMS = 2000.0

// Processor is an RMS energy detector with exponential smoothing
type Processor struct {
	threshold  float32
	windowSize int // samples per analysis window
	sampleRate int

	lastResult float32
	smoothing  float32 // weight of the newest window

	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// VADResult represents the result of voice activity detection
type VADResult struct {
	Probability float32   `json:"probability"` // Voice probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`
	Confidence  float32   `json:"confidence"` // Distance from threshold scaled to 0-1
	Windows     int       `json:"windows"`    // Windows analysed for this call
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, windowSize int, sampleRate int) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
		smoothing:  0.6,
	}, nil
}

// Process classifies a frame of samples. Frames longer than the window size
// are analysed window by window; the decision reflects the last window.
func (p *Processor) Process(samples []int16) (*VADResult, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to process")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	windows := 0
	for start := 0; start < len(samples); start += p.windowSize {
		end := start + p.windowSize
		if end > len(samples) {
			end = len(samples)
		}

		probability := windowProbability(samples[start:end])
		if p.totalWindows > 0 {
			probability = p.smoothing*probability + (1-p.smoothing)*p.lastResult
		}
		p.lastResult = probability

		p.totalWindows++
		if probability >= p.threshold {
			p.voiceWindows++
		}
		windows++
	}
	p.lastProcessed = time.Now()

	confidence := float32(math.Abs(float64(p.lastResult - p.threshold)))
	if confidence > 0.5 {
		confidence = 0.5
	}

	return &VADResult{
		Probability: p.lastResult,
		HasVoice:    p.lastResult >= p.threshold,
		Confidence:  confidence * 2,
		Windows:     windows,
		Timestamp:   p.lastProcessed,
	}, nil
}

func windowProbability(samples []int16) float32 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(samples)))

	probability := rms / referenceRMS
	if probability > 1 {
		probability = 1
	}
	return float32(probability)
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// UpdateThreshold updates the voice detection threshold
func (p *Processor) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold = threshold
	return nil
}

// Reset resets the processor state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
}

// GetThreshold returns the current voice detection threshold
func (p *Processor) GetThreshold() float32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// GetWindowSize returns the window size in samples
func (p *Processor) GetWindowSize() int {
	return p.windowSize
}
