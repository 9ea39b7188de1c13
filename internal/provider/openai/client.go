// Package openai adapts OpenAI-compatible chat completions to provider.ChatProvider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/digkill/NeuroMeter/internal/provider"
)

const Name = "openai"

type Client struct {
	client *goopenai.Client
	log    *slog.Logger
}

var _ provider.ChatProvider = (*Client)(nil)

// NewClient talks to api.openai.com unless baseURL points at a compatible gateway.
func NewClient(apiKey, baseURL string, log *slog.Logger) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{client: goopenai.NewClientWithConfig(cfg), log: log}
}

func (c *Client) Name() string { return Name }

func (c *Client) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = goopenai.ChatMessageRoleUser
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:     req.ModelID,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Transient(Name, errors.New("empty choices in completion"))
	}

	c.log.Debug("chat completion",
		"model", req.ModelID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return &provider.ChatResponse{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func classify(err error) error {
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	wrapped := fmt.Errorf("chat completion: %w", err)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return provider.Permanent(Name, wrapped)
	}
	return provider.Transient(Name, wrapped)
}
