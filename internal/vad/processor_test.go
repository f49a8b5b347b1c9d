package vad

import (
	"math"
	"testing"
)

func constant(n int, v int16) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func sine(n int, amplitude float64, freq float64, sampleRate int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return s
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float32
		windowSize int
		sampleRate int
		expectErr  bool
	}{
		{"valid parameters", 0.5, 512, 16000, false},
		{"threshold too low", -0.1, 512, 16000, true},
		{"threshold too high", 1.1, 512, 16000, true},
		{"zero window size", 0.5, 0, 16000, true},
		{"negative sample rate", 0.5, 512, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.windowSize, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProcessClassification(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		hasVoice bool
	}{
		{"silence", constant(320, 0), false},
		{"low noise", constant(320, 50), false},
		{"loud tone", sine(320, 8000, 440, 16000), true},
		{"full scale dc", constant(320, 4000), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProcessor(0.5, 512, 16000)
			if err != nil {
				t.Fatalf("Failed to create processor: %v", err)
			}

			result, err := p.Process(tt.samples)
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if result.HasVoice != tt.hasVoice {
				t.Errorf("Expected HasVoice=%t, got %t (probability %f)", tt.hasVoice, result.HasVoice, result.Probability)
			}
			if result.Probability < 0 || result.Probability > 1 {
				t.Errorf("Probability out of range: %f", result.Probability)
			}
		})
	}
}

func TestProcessSmoothing(t *testing.T) {
	p, _ := NewProcessor(0.5, 320, 16000)

	steps := []struct {
		samples  []int16
		hasVoice bool
	}{
		{constant(320, 0), false},
		{constant(320, 4000), true}, // 0.6
		{constant(320, 0), false},   // 0.24
		{constant(320, 0), false},
	}

	for i, step := range steps {
		result, err := p.Process(step.samples)
		if err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		if result.HasVoice != step.hasVoice {
			t.Errorf("Step %d: expected HasVoice=%t, got %t (p=%f)", i, step.hasVoice, result.HasVoice, result.Probability)
		}
	}
}

func TestProcessMultipleWindows(t *testing.T) {
	p, _ := NewProcessor(0.5, 160, 16000)

	result, err := p.Process(constant(480, 4000))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if result.Windows != 3 {
		t.Errorf("Expected 3 windows, got %d", result.Windows)
	}

	stats := p.GetStats()
	if stats.TotalWindows != 3 || stats.VoiceWindows != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.VoicePercentage != 100 {
		t.Errorf("Expected 100%% voice, got %f", stats.VoicePercentage)
	}
}

func TestProcessEmpty(t *testing.T) {
	p, _ := NewProcessor(0.5, 160, 16000)
	if _, err := p.Process(nil); err == nil {
		t.Error("Expected error for empty input")
	}
}

func TestUpdateThresholdAndReset(t *testing.T) {
	p, _ := NewProcessor(0.5, 160, 16000)

	if err := p.UpdateThreshold(1.5); err == nil {
		t.Error("Expected error for threshold > 1")
	}
	if err := p.UpdateThreshold(0.9); err != nil {
		t.Fatalf("UpdateThreshold failed: %v", err)
	}
	if p.GetThreshold() != 0.9 {
		t.Errorf("Expected threshold 0.9, got %f", p.GetThreshold())
	}

	// RMS 4000 clamps to 1.0 which still clears 0.9
	result, _ := p.Process(constant(160, 4000))
	if !result.HasVoice {
		t.Error("Expected voice above raised threshold")
	}

	p.Reset()
	stats := p.GetStats()
	if stats.TotalWindows != 0 || stats.VoiceWindows != 0 {
		t.Errorf("Expected zeroed stats after reset, got %+v", stats)
	}
}
