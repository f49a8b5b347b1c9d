package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Translation   TranslationConfig   `yaml:"translation"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains WebSocket transport configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	BindAddress    string   `yaml:"bind_address"`
	Path           string   `yaml:"path"`
	ReadLimit      int64    `yaml:"read_limit"` // bytes per message
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxSessions    int      `yaml:"max_sessions"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio segmentation parameters
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"` // canonical rate fed to transcription
	Channels           int     `yaml:"channels"`
	HoldTime           float64 `yaml:"hold_time"`            // seconds of silence that end an utterance
	PreRoll            float64 `yaml:"pre_roll"`             // seconds
	MinSpeechDuration  float64 `yaml:"min_speech_duration"`  // seconds
	MaxUtteranceLength float64 `yaml:"max_utterance_length"` // seconds
}

// VADConfig contains fallback energy detector configuration
type VADConfig struct {
	Threshold  float32 `yaml:"threshold"`
	WindowSize int     `yaml:"window_size"` // samples
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Provider      string `yaml:"provider"` // "http" or "openai"
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// TranslationConfig contains language model configuration
type TranslationConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	Timeout     int     `yaml:"timeout"` // seconds
	MaxTurns    int     `yaml:"max_turns"`
}

// SynthesisConfig contains speech synthesis backend configuration
type SynthesisConfig struct {
	Endpoint   string       `yaml:"endpoint"`
	APIKey     string       `yaml:"api_key"`
	APIVersion string       `yaml:"api_version"`
	Model      string       `yaml:"model"`
	VoiceID    string       `yaml:"voice_id"`
	SampleRate int          `yaml:"sample_rate"`
	Style      VoiceDefault `yaml:"default_style"`
}

// VoiceDefault is the voice style a new session starts with
type VoiceDefault struct {
	Speed   float64 `yaml:"speed"`
	Volume  float64 `yaml:"volume"`
	Emotion string  `yaml:"emotion"`
}

// SessionConfig contains per-session pipeline parameters
type SessionConfig struct {
	SourceLanguage string `yaml:"source_language"`
	TargetLanguage string `yaml:"target_language"`
	IdleTimeout    int    `yaml:"idle_timeout"` // seconds
	QueueSize      int    `yaml:"queue_size"`   // utterances waiting for the turn owner
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. Credentials missing from the
// file are taken from the environment before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv fills empty API keys from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = getenv("TRANSCRIPTION_API_KEY")
		if c.Transcription.APIKey == "" && c.Transcription.Provider == "openai" {
			c.Transcription.APIKey = getenv("OPENAI_API_KEY")
		}
	}
	if c.Translation.APIKey == "" {
		c.Translation.APIKey = getenv("OPENAI_API_KEY")
	}
	if c.Synthesis.APIKey == "" {
		c.Synthesis.APIKey = getenv("CARTESIA_API_KEY")
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Translation.Validate(); err != nil {
		return fmt.Errorf("translation config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", s.Path)
	}

	if s.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", s.ReadLimit)
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.HoldTime <= 0 {
		return fmt.Errorf("hold_time must be positive, got %f", a.HoldTime)
	}

	if a.PreRoll < 0 {
		return fmt.Errorf("pre_roll cannot be negative, got %f", a.PreRoll)
	}

	if a.MinSpeechDuration < 0 {
		return fmt.Errorf("min_speech_duration cannot be negative, got %f", a.MinSpeechDuration)
	}

	if a.MaxUtteranceLength <= a.MinSpeechDuration {
		return fmt.Errorf("max_utterance_length (%f) must be greater than min_speech_duration (%f)",
			a.MaxUtteranceLength, a.MinSpeechDuration)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.WindowSize < 80 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 80 and 4096 samples, got %d", v.WindowSize)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for provider 'http'")
		}
	case "openai":
		if t.Model == "" {
			return fmt.Errorf("model cannot be empty for provider 'openai'")
		}
	default:
		return fmt.Errorf("provider must be 'http' or 'openai', got '%s'", t.Provider)
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates translation configuration
func (t *TranslationConfig) Validate() error {
	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.APIKey == "" && t.BaseURL == "" {
		return fmt.Errorf("api_key cannot be empty without a custom base_url")
	}

	if t.Temperature < 0 || t.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", t.Temperature)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxTurns < 0 {
		return fmt.Errorf("max_turns cannot be negative, got %d", t.MaxTurns)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if !strings.HasPrefix(s.Endpoint, "ws://") && !strings.HasPrefix(s.Endpoint, "wss://") {
		return fmt.Errorf("endpoint must be a ws:// or wss:// URL, got '%s'", s.Endpoint)
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if s.VoiceID == "" {
		return fmt.Errorf("voice_id cannot be empty")
	}

	if s.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	validRates := map[int]bool{8000: true, 16000: true, 22050: true, 24000: true, 44100: true, 48000: true}
	if !validRates[s.SampleRate] {
		return fmt.Errorf("sample_rate %d is not supported", s.SampleRate)
	}

	if s.Style.Speed <= 0 {
		return fmt.Errorf("default_style.speed must be positive, got %f", s.Style.Speed)
	}

	if s.Style.Volume < 0 {
		return fmt.Errorf("default_style.volume cannot be negative, got %f", s.Style.Volume)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.TargetLanguage == "" {
		return fmt.Errorf("target_language cannot be empty")
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path.
	return nil
}

// GetHoldTime returns the silence hold time as a time.Duration
func (a *AudioConfig) GetHoldTime() time.Duration {
	return time.Duration(a.HoldTime * float64(time.Second))
}

// GetPreRoll returns the pre-roll window as a time.Duration
func (a *AudioConfig) GetPreRoll() time.Duration {
	return time.Duration(a.PreRoll * float64(time.Second))
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (a *AudioConfig) GetMinSpeechDuration() time.Duration {
	return time.Duration(a.MinSpeechDuration * float64(time.Second))
}

// GetMaxUtteranceLength returns the maximum utterance length as a time.Duration
func (a *AudioConfig) GetMaxUtteranceLength() time.Duration {
	return time.Duration(a.MaxUtteranceLength * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the translation timeout as a time.Duration
func (t *TranslationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}
