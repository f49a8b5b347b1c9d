package translation

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig contains chat completion settings. BaseURL points the client at
// any OpenAI-compatible server; empty means api.openai.com.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAIChat is a Completer backed by the chat completions API
type OpenAIChat struct {
	client      *openai.Client
	model       string
	temperature float32
}

// NewOpenAIChat creates a chat completion backend
func NewOpenAIChat(config OpenAIConfig) (*OpenAIChat, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	cfg := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}

	return &OpenAIChat{
		client:      openai.NewClientWithConfig(cfg),
		model:       config.Model,
		temperature: config.Temperature,
	}, nil
}

// Complete implements Completer
func (o *OpenAIChat) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}
