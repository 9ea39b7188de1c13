package provider

import "context"

type ChatMessage struct {
	Role    string
	Content string
}

type ChatRequest struct {
	ModelID   string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatResponse carries the provider's usage when it reports one. Zero counts mean "not reported".
type ChatResponse struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
}

// ChatProvider answers synchronous text completions.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
