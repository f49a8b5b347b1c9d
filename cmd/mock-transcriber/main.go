// Command mock-transcriber serves the multipart transcription API used by the
// "http" transcription provider and answers every request with a fixed text.
// It is meant for local end-to-end runs without a speech model.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/live-translator/internal/audio"
)

type transcriptionResponse struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Duration   float64 `json:"duration"`
}

type handler struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusBadRequest)
		return
	}
	duration := float64(len(samples)) / float64(rate)

	h.logger.Info("Transcription request received",
		slog.String("request_id", r.FormValue("request_id")),
		slog.String("filename", header.Filename),
		slog.String("language", r.FormValue("language")),
		slog.Int("sample_rate", rate),
		slog.Float64("duration", duration),
	)

	if h.delay > 0 {
		time.Sleep(h.delay)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:       h.text,
		Confidence: 0.95,
		Language:   r.FormValue("language"),
		Duration:   duration,
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcription.", "Text returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	mux := http.NewServeMux()
	mux.Handle("/transcribe", &handler{text: *text, delay: *delay, logger: logger})

	logger.Info("Mock transcription server starting",
		slog.String("endpoint", "http://localhost"+*addr+"/transcribe"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
