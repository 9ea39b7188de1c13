package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/NeuroMeter/internal/cost"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/provider"
)

const categoryText = "text"

// Billing is the ledger as the synchronous services use it. *ledger.Ledger satisfies it.
type Billing interface {
	Check(ctx context.Context, userID int64, modelID string, amount int64) error
	Charge(ctx context.Context, req ledger.ChargeRequest) (*ledger.ChargeResult, error)
	Refund(ctx context.Context, aiRequestID int64) (bool, error)
}

// Configs resolves model cost configuration. *registry.Registry satisfies it.
type Configs interface {
	Get(ctx context.Context, modelID string) (*models.ModelCost, error)
}

// TextPricer prices text calls. *cost.Calculator satisfies it.
type TextPricer interface {
	EstimateText(ctx context.Context, modelID, prompt string) (cost.Cost, error)
	Text(ctx context.Context, modelID string, usage cost.Usage) (cost.Cost, error)
}

type ChatService struct {
	configs   Configs
	pricer    TextPricer
	billing   Billing
	providers map[string]provider.ChatProvider
	log       *slog.Logger
}

type ChatInput struct {
	ModelID   string
	Messages  []provider.ChatMessage
	MaxTokens int
}

type ChatReply struct {
	Text        string `json:"text"`
	Tokens      int64  `json:"tokens"`
	AIRequestID int64  `json:"ai_request_id,omitempty"`
}

func NewChatService(configs Configs, pricer TextPricer, billing Billing, providers []provider.ChatProvider, log *slog.Logger) *ChatService {
	byName := make(map[string]provider.ChatProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &ChatService{configs: configs, pricer: pricer, billing: billing, providers: byName, log: log}
}

// Chat gates the call on an estimate, runs it and bills the usage the provider reported.
func (s *ChatService) Chat(ctx context.Context, userID int64, in ChatInput) (*ChatReply, error) {
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidInput)
	}
	mc, err := s.configs.Get(ctx, in.ModelID)
	if err != nil {
		return nil, err
	}
	p, ok := s.providers[mc.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoProvider, in.ModelID, mc.Provider)
	}

	prompt := joinMessages(in.Messages)
	estimate, err := s.pricer.EstimateText(ctx, in.ModelID, prompt)
	if err != nil {
		return nil, err
	}
	if err := s.billing.Check(ctx, userID, in.ModelID, estimate.Tokens); err != nil {
		return nil, err
	}

	resp, err := p.Chat(ctx, provider.ChatRequest{ModelID: in.ModelID, Messages: in.Messages, MaxTokens: in.MaxTokens})
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	usage := cost.UsageFromText(cost.Usage{PromptUnits: resp.PromptTokens, CompletionUnits: resp.CompletionTokens}, prompt, resp.Text)
	actual, err := s.pricer.Text(ctx, in.ModelID, usage)
	if err != nil {
		return nil, err
	}

	reply := &ChatReply{Text: resp.Text}
	charge, err := s.charge(ctx, userID, in.ModelID, mc.CategoryCode, actual.Tokens)
	if err != nil {
		return nil, err
	}
	if charge != nil {
		reply.AIRequestID = charge.AIRequestID
		reply.Tokens = charge.Amount
	}
	return reply, nil
}

type bookedCharge struct {
	AIRequestID int64
	Amount      int64
}

// charge books amount after the call already happened. Unlimited usage is always recorded, even past
// the quota. When the token balance moved below amount in the meantime, what is left is charged and
// the shortfall logged.
func (s *ChatService) charge(ctx context.Context, userID int64, modelID, category string, amount int64) (*bookedCharge, error) {
	if category == "" {
		category = categoryText
	}
	req := ledger.ChargeRequest{
		UserID:     userID,
		ModelID:    modelID,
		Amount:     amount,
		Category:   category,
		Status:     models.RequestCompleted,
		Settlement: true,
	}

	res, err := s.billing.Charge(ctx, req)
	var short *ledger.InsufficientTokensError
	switch {
	case err == nil:
		return &bookedCharge{AIRequestID: res.AIRequestID, Amount: amount}, nil
	case errors.As(err, &short):
		s.log.Warn("balance below actual chat cost", "user_id", userID, "model", modelID, "cost", amount, "available", short.Available)
		if short.Available <= 0 {
			return nil, nil
		}
		req.Amount = short.Available
		res, err = s.billing.Charge(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("charge remainder: %w", err)
		}
		return &bookedCharge{AIRequestID: res.AIRequestID, Amount: req.Amount}, nil
	default:
		return nil, fmt.Errorf("charge: %w", err)
	}
}

func joinMessages(msgs []provider.ChatMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
