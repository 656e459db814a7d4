package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Backend performs a single chat completion against one model.
type Backend interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

type openAIBackend struct {
	client      *openai.Client
	maxTokens   int
	temperature float64
}

// NewOpenAIBackend talks to any OpenAI compatible endpoint. An empty
// baseURL means OpenRouter.
func NewOpenAIBackend(apiKey, baseURL string, maxTokens int, temperature float64) Backend {
	config := openai.DefaultConfig(apiKey)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	config.BaseURL = baseURL

	return &openAIBackend{
		client:      openai.NewClientWithConfig(config),
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (b *openAIBackend) Complete(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: prompt,
				},
			},
			MaxTokens:   b.maxTokens,
			Temperature: float32(b.temperature),
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty response from model")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
