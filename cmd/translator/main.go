package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/live-translator/internal/audio"
	"github.com/skypro1111/live-translator/internal/config"
	"github.com/skypro1111/live-translator/internal/metrics"
	"github.com/skypro1111/live-translator/internal/server"
	"github.com/skypro1111/live-translator/internal/session"
	"github.com/skypro1111/live-translator/internal/synthesis"
	"github.com/skypro1111/live-translator/internal/transcription"
	"github.com/skypro1111/live-translator/internal/translation"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "live-translator"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to .env file with API keys")
	flag.Parse()

	// Environment must be loaded before the config reads API keys from it
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("ws_port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("hold_time", cfg.Audio.HoldTime),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("translation_model", cfg.Translation.Model),
		slog.String("synthesis_model", cfg.Synthesis.Model),
		slog.String("default_pair", cfg.Session.SourceLanguage+"->"+cfg.Session.TargetLanguage),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics on a dedicated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Transcription backend
	model, err := newTranscriptionModel(cfg.Transcription)
	if err != nil {
		logger.Error("Failed to create transcription model", slog.String("error", err.Error()))
		os.Exit(1)
	}
	transcriber, err := transcription.NewAdapter(model, cfg.Audio.SampleRate, logger)
	if err != nil {
		logger.Error("Failed to create transcription adapter", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Translation backend
	completer, err := translation.NewOpenAIChat(translation.OpenAIConfig{
		APIKey:      cfg.Translation.APIKey,
		BaseURL:     cfg.Translation.BaseURL,
		Model:       cfg.Translation.Model,
		Temperature: cfg.Translation.Temperature,
	})
	if err != nil {
		logger.Error("Failed to create translation client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defaultStyle := synthesis.Style{
		Speed:   cfg.Synthesis.Style.Speed,
		Volume:  cfg.Synthesis.Style.Volume,
		Emotion: cfg.Synthesis.Style.Emotion,
	}

	// Each session gets its own synthesizer so voice changes stay per party
	newSynthesizer := func(style synthesis.Style) (synthesis.Synthesizer, error) {
		return synthesis.NewCartesia(synthesis.CartesiaConfig{
			Endpoint:   cfg.Synthesis.Endpoint,
			APIKey:     cfg.Synthesis.APIKey,
			APIVersion: cfg.Synthesis.APIVersion,
			Model:      cfg.Synthesis.Model,
			VoiceID:    cfg.Synthesis.VoiceID,
			SampleRate: cfg.Synthesis.SampleRate,
			Style:      style,
		})
	}

	// Initialize session manager
	sessionMgr, err := session.NewManager(logger, session.ManagerConfig{
		Segmenter: audio.SegmenterConfig{
			HoldTime:          cfg.Audio.GetHoldTime(),
			PreRoll:           cfg.Audio.GetPreRoll(),
			MinSpeechDuration: cfg.Audio.GetMinSpeechDuration(),
			MaxDuration:       cfg.Audio.GetMaxUtteranceLength(),
		},
		VAD: session.VADConfig{
			Threshold:  cfg.VAD.Threshold,
			WindowSize: cfg.VAD.WindowSize,
			SampleRate: cfg.Audio.SampleRate,
		},
		TranscriptionTimeout: cfg.Transcription.GetTimeoutDuration(),
		TranslationTimeout:   cfg.Translation.GetTimeoutDuration(),
		MaxTurns:             cfg.Translation.MaxTurns,
		QueueSize:            cfg.Session.QueueSize,
		IdleTimeout:          cfg.Session.GetIdleTimeout(),
		MaxSessions:          cfg.Server.MaxSessions,
		DefaultSource:        cfg.Session.SourceLanguage,
		DefaultTarget:        cfg.Session.TargetLanguage,
		DefaultStyle:         defaultStyle,
	}, session.Backends{
		Transcriber:    transcriber,
		Completer:      completer,
		NewSynthesizer: newSynthesizer,
		Metrics:        appMetrics,
	})
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	// Initialize WebSocket server
	wsServer := server.NewWSServer(&cfg.Server, logger, sessionMgr, appMetrics, cfg.Synthesis.SampleRate)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, server.HTTPDeps{
			Config:      cfg,
			SessionMgr:  sessionMgr,
			WSServer:    wsServer,
			Transcriber: transcriber,
			Metrics:     appMetrics,
			Gatherer:    registry,
		})
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d%s", cfg.Server.BindAddress, cfg.Server.Port, cfg.Server.Path)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Close client connections; each removes its session
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}

	sessionMgr.Stop()

	ts := transcriber.GetStats()
	logger.Info("Service stopped",
		slog.Uint64("transcriptions", ts.TotalCalls),
		slog.Uint64("transcription_failures", ts.FailedCalls),
	)
}

// newTranscriptionModel picks the speech-to-text backend
func newTranscriptionModel(cfg config.TranscriptionConfig) (transcription.Model, error) {
	switch cfg.Provider {
	case "http":
		return transcription.NewHTTPModel(transcription.HTTPConfig{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	case "openai", "":
		return transcription.NewWhisperModel(cfg.APIKey, cfg.Endpoint, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
