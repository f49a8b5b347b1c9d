package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/live-translator/internal/audio"
)

// HTTPConfig contains configuration for a self-hosted transcription endpoint
type HTTPConfig struct {
	Endpoint      string
	APIKey        string
	MaxRetries    int
	MaxConcurrent int
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
}

// HTTPModel posts WAV audio as multipart/form-data to a transcription endpoint
type HTTPModel struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{} // caps in-flight requests

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// httpResponse is the JSON body returned by the endpoint
type httpResponse struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Segments   []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float32 `json:"confidence"`
	} `json:"segments,omitempty"`
}

// statusError is a non-2xx reply
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// HTTPStats represents client statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewHTTPModel creates a new transcription HTTP client. Request deadlines come
// from the caller's context.
func NewHTTPModel(config HTTPConfig) (*HTTPModel, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 250 * time.Millisecond
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPModel{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe implements Model
func (c *HTTPModel) Transcribe(ctx context.Context, pcm []float32, sampleRate int, languageHint string) ([]Segment, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	wav, err := audio.EncodeWAV(audio.FromFloat32(pcm), sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audio: %w", err)
	}

	startTime := time.Now()
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()

	requestID := uuid.NewString()
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.totalRetries++
			c.mu.Unlock()

			if err := sleepContext(ctx, c.config.RetryBackoff<<(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		segments, err := c.doRequest(ctx, wav, sampleRate, languageHint, requestID)
		if err == nil {
			c.mu.Lock()
			c.successRequests++
			c.updateAvgResponseTime(time.Since(startTime))
			c.mu.Unlock()
			return segments, nil
		}

		lastErr = err
		if !isRetryable(ctx, err) {
			break
		}
	}

	c.mu.Lock()
	c.failedRequests++
	c.mu.Unlock()
	return nil, lastErr
}

// doRequest performs a single HTTP request to the transcription API
func (c *HTTPModel) doRequest(ctx context.Context, wav []byte, sampleRate int, language, requestID string) ([]Segment, error) {
	body, contentType, err := createMultipartRequest(wav, sampleRate, language, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "live-translator/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	var parsed httpResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if len(parsed.Segments) == 0 {
		return []Segment{{Text: parsed.Text, Confidence: parsed.Confidence, Language: parsed.Language}}, nil
	}

	segments := make([]Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		segments[i] = Segment{Text: s.Text, Confidence: s.Confidence, Language: parsed.Language}
	}
	return segments, nil
}

// createMultipartRequest creates a multipart/form-data request body
func createMultipartRequest(wav []byte, sampleRate int, language, requestID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", requestID+".wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"request_id":      requestID,
		"sample_rate":     strconv.Itoa(sampleRate),
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports server errors, rate limiting and network failures.
// Nothing is retried once the caller's context is done.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateAvgResponseTime must be called with c.mu held
func (c *HTTPModel) updateAvgResponseTime(responseTime time.Duration) {
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *HTTPModel) GetStats() HTTPStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
