package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame types
const (
	FrameTypeInputAudio  = 0x01 // client -> server, microphone audio
	FrameTypeOutputAudio = 0x02 // server -> client, synthesized audio
)

// Flag bits
const (
	FlagSpeech     = 0x01 // VAD decided this frame is speech
	FlagVADPresent = 0x02 // the transport ran VAD; otherwise FlagSpeech is meaningless
)

const (
	// HeaderSize is [Type:1][Flags:1][SampleRate:4][Sequence:4][Channels:1][Probability:1]
	HeaderSize = 12

	BytesPerSample = 2 // PCM16LE

	MinSampleRate = 8000
	MaxSampleRate = 48000
)

// Header represents the 12-byte audio frame header. Multi-byte header fields
// are big endian; the PCM payload that follows is little endian.
type Header struct {
	FrameType   uint8
	Flags       uint8
	SampleRate  uint32
	Sequence    uint32
	Channels    uint8
	Probability uint8 // VAD speech probability scaled to 0..255
}

// Frame is a parsed binary audio message
type Frame struct {
	Header  *Header
	Samples []int16
}

// Speech reports whether the transport marked the frame as speech
func (h *Header) Speech() bool {
	return h.Flags&FlagSpeech != 0
}

// HasVAD reports whether the frame carries a transport VAD decision
func (h *Header) HasVAD() bool {
	return h.Flags&FlagVADPresent != 0
}

// SpeechProbability returns the VAD probability in [0, 1]
func (h *Header) SpeechProbability() float32 {
	return float32(h.Probability) / 255
}

// ParseHeader parses the 12-byte frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		FrameType:   data[0],
		Flags:       data[1],
		SampleRate:  binary.BigEndian.Uint32(data[2:6]),
		Sequence:    binary.BigEndian.Uint32(data[6:10]),
		Channels:    data[10],
		Probability: data[11],
	}

	return header, nil
}

// ParseFrame parses a complete binary frame (header + PCM16LE payload)
func ParseFrame(data []byte) (*Frame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	payload := data[HeaderSize:]
	if len(payload)%(BytesPerSample*int(header.Channels)) != 0 {
		return nil, fmt.Errorf("payload length %d is not a whole number of %d-channel PCM16 samples",
			len(payload), header.Channels)
	}

	return &Frame{Header: header, Samples: DecodePCM16(payload)}, nil
}

// ValidateHeader validates the frame header fields
func ValidateHeader(header *Header) error {
	if !IsValidFrameType(header.FrameType) {
		return fmt.Errorf("invalid frame type: 0x%02x", header.FrameType)
	}

	if header.SampleRate < MinSampleRate || header.SampleRate > MaxSampleRate {
		return fmt.Errorf("sample rate %d out of range [%d, %d]", header.SampleRate, MinSampleRate, MaxSampleRate)
	}

	if header.Channels == 0 || header.Channels > 2 {
		return fmt.Errorf("invalid channel count: %d", header.Channels)
	}

	if header.Flags&^(FlagSpeech|FlagVADPresent) != 0 {
		return fmt.Errorf("unknown flag bits: 0x%02x", header.Flags)
	}

	return nil
}

// EncodeFrame serializes a header and PCM16 samples into a binary frame
func EncodeFrame(header *Header, samples []int16) []byte {
	buf := make([]byte, HeaderSize+len(samples)*BytesPerSample)
	putHeader(buf, header)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[HeaderSize+i*2:], uint16(s))
	}
	return buf
}

// EncodeOutputFrame wraps already-encoded PCM16LE bytes from the synthesizer
// in an output frame header.
func EncodeOutputFrame(sequence uint32, sampleRate int, pcm []byte) []byte {
	buf := make([]byte, HeaderSize+len(pcm))
	putHeader(buf, &Header{
		FrameType:  FrameTypeOutputAudio,
		SampleRate: uint32(sampleRate),
		Sequence:   sequence,
		Channels:   1,
	})
	copy(buf[HeaderSize:], pcm)
	return buf
}

func putHeader(buf []byte, h *Header) {
	buf[0] = h.FrameType
	buf[1] = h.Flags
	binary.BigEndian.PutUint32(buf[2:6], h.SampleRate)
	binary.BigEndian.PutUint32(buf[6:10], h.Sequence)
	buf[10] = h.Channels
	buf[11] = h.Probability
}

// DecodePCM16 converts little-endian PCM16 bytes into samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// IsValidFrameType checks if the frame type is valid
func IsValidFrameType(ftype uint8) bool {
	return ftype == FrameTypeInputAudio || ftype == FrameTypeOutputAudio
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var frameType string
	switch h.FrameType {
	case FrameTypeInputAudio:
		frameType = "Input"
	case FrameTypeOutputAudio:
		frameType = "Output"
	default:
		frameType = fmt.Sprintf("Unknown(0x%02x)", h.FrameType)
	}

	return fmt.Sprintf("Header{Type:%s, Seq:%d, Rate:%d, Channels:%d, Speech:%t, VAD:%t}",
		frameType, h.Sequence, h.SampleRate, h.Channels, h.Speech(), h.HasVAD())
}
