package protocol

import (
	"strings"
	"testing"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expected    *Header
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid input header with vad",
			data: []byte{
				0x01,                   // FrameType: input
				0x03,                   // Flags: speech | vad present
				0x00, 0x00, 0x3E, 0x80, // SampleRate: 16000
				0x00, 0x00, 0x30, 0x39, // Sequence: 12345
				0x01, // Channels
				0xFF, // Probability
			},
			expected: &Header{
				FrameType:   FrameTypeInputAudio,
				Flags:       FlagSpeech | FlagVADPresent,
				SampleRate:  16000,
				Sequence:    12345,
				Channels:    1,
				Probability: 255,
			},
		},
		{
			name: "valid output header",
			data: []byte{
				0x02, 0x00,
				0x00, 0x00, 0x5D, 0xC0, // 24000
				0x12, 0x34, 0x56, 0x78,
				0x01, 0x00,
			},
			expected: &Header{
				FrameType:  FrameTypeOutputAudio,
				SampleRate: 24000,
				Sequence:   305419896,
				Channels:   1,
			},
		},
		{
			name:        "header too short",
			data:        []byte{0x01, 0x00},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name:        "empty data",
			data:        []byte{},
			expectError: true,
			errorMsg:    "header too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseHeader(tt.data)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if *result != *tt.expected {
				t.Errorf("Expected header %+v, got %+v", tt.expected, result)
			}
		})
	}
}

func TestParseFrame(t *testing.T) {
	header := []byte{0x01, 0x02, 0x00, 0x00, 0x1F, 0x40, 0x00, 0x00, 0x00, 0x07, 0x01, 0x00}

	tests := []struct {
		name        string
		data        []byte
		expectError bool
		errorMsg    string
		samples     []int16
	}{
		{
			name:    "two samples",
			data:    append(append([]byte{}, header...), 0x01, 0x00, 0xFF, 0xFF),
			samples: []int16{1, -1},
		},
		{
			name:    "header only",
			data:    append([]byte{}, header...),
			samples: []int16{},
		},
		{
			name:        "odd payload",
			data:        append(append([]byte{}, header...), 0x01, 0x00, 0x02),
			expectError: true,
			errorMsg:    "not a whole number",
		},
		{
			name:        "unknown frame type",
			data:        []byte{0x09, 0x00, 0x00, 0x00, 0x1F, 0x40, 0, 0, 0, 0, 1, 0},
			expectError: true,
			errorMsg:    "invalid frame type",
		},
		{
			name:        "sample rate too low",
			data:        []byte{0x01, 0x00, 0x00, 0x00, 0x0F, 0xA0, 0, 0, 0, 0, 1, 0},
			expectError: true,
			errorMsg:    "sample rate 4000 out of range",
		},
		{
			name:        "zero channels",
			data:        []byte{0x01, 0x00, 0x00, 0x00, 0x1F, 0x40, 0, 0, 0, 0, 0, 0},
			expectError: true,
			errorMsg:    "invalid channel count",
		},
		{
			name:        "unknown flag bits",
			data:        []byte{0x01, 0x80, 0x00, 0x00, 0x1F, 0x40, 0, 0, 0, 0, 1, 0},
			expectError: true,
			errorMsg:    "unknown flag bits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame(tt.data)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if len(frame.Samples) != len(tt.samples) {
				t.Fatalf("Expected %d samples, got %d", len(tt.samples), len(frame.Samples))
			}
			for i := range tt.samples {
				if frame.Samples[i] != tt.samples[i] {
					t.Errorf("Sample %d: expected %d, got %d", i, tt.samples[i], frame.Samples[i])
				}
			}
			if frame.Header.Sequence != 7 || !frame.Header.HasVAD() || frame.Header.Speech() {
				t.Errorf("Unexpected header fields: %s", frame.Header)
			}
		})
	}
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	h := &Header{
		FrameType:   FrameTypeInputAudio,
		Flags:       FlagSpeech | FlagVADPresent,
		SampleRate:  48000,
		Sequence:    42,
		Channels:    1,
		Probability: 200,
	}
	samples := []int16{0, 100, -100, 32767, -32768}

	frame, err := ParseFrame(EncodeFrame(h, samples))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if *frame.Header != *h {
		t.Errorf("Header mismatch: expected %+v, got %+v", h, frame.Header)
	}
	for i := range samples {
		if frame.Samples[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], frame.Samples[i])
		}
	}

	p := frame.Header.SpeechProbability()
	if p < 0.78 || p > 0.79 {
		t.Errorf("Expected probability ~0.784, got %f", p)
	}
}

func TestEncodeOutputFrame(t *testing.T) {
	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	data := EncodeOutputFrame(3, 24000, pcm)

	if len(data) != HeaderSize+len(pcm) {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+len(pcm), len(data))
	}

	frame, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	if frame.Header.FrameType != FrameTypeOutputAudio {
		t.Errorf("Expected output frame type, got 0x%02x", frame.Header.FrameType)
	}
	if frame.Header.SampleRate != 24000 || frame.Header.Sequence != 3 {
		t.Errorf("Unexpected header: %s", frame.Header)
	}
	if frame.Samples[0] != 16 || frame.Samples[1] != 32 {
		t.Errorf("Unexpected samples: %v", frame.Samples)
	}
}

func TestHeaderString(t *testing.T) {
	h := &Header{FrameType: 0x09, SampleRate: 16000, Sequence: 1, Channels: 1}
	if !strings.Contains(h.String(), "Unknown(0x09)") {
		t.Errorf("Expected unknown type in %q", h.String())
	}
}
