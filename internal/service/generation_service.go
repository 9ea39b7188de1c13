package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/NeuroMeter/internal/cost"
	"github.com/digkill/NeuroMeter/internal/ledger"
	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/provider"
)

const categoryImage = "image"

// ResultStore copies a provider result into storage the service controls.
type ResultStore interface {
	Save(ctx context.Context, key int64, sourceURL string) (string, error)
}

// GenerationService runs short task-based generations (images) synchronously.
type GenerationService struct {
	configs   Configs
	billing   Billing
	providers map[string]provider.TaskProvider
	results   ResultStore
	opts      provider.RunOptions
	log       *slog.Logger
}

type GenerationRequest struct {
	ModelID  string
	Prompt   string
	Params   map[string]any
	Variants []string
}

type GenerationResult struct {
	URL         string `json:"url"`
	Tokens      int64  `json:"tokens"`
	AIRequestID int64  `json:"ai_request_id"`
}

func NewGenerationService(configs Configs, billing Billing, providers []provider.TaskProvider, results ResultStore, opts provider.RunOptions, log *slog.Logger) *GenerationService {
	byName := make(map[string]provider.TaskProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &GenerationService{
		configs:   configs,
		billing:   billing,
		providers: byName,
		results:   results,
		opts:      opts,
		log:       log,
	}
}

// Generate charges the configured price up front and refunds it if the provider fails.
func (s *GenerationService) Generate(ctx context.Context, userID int64, req GenerationRequest) (*GenerationResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidInput)
	}
	mc, err := s.configs.Get(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	p, ok := s.providers[mc.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoProvider, req.ModelID, mc.Provider)
	}

	price := cost.Of(mc, 1, req.Variants...)
	category := mc.CategoryCode
	if category == "" {
		category = categoryImage
	}
	charge, err := s.billing.Charge(ctx, ledger.ChargeRequest{
		UserID:   userID,
		ModelID:  req.ModelID,
		Amount:   price.Tokens,
		Category: category,
		Status:   models.RequestCompleted,
	})
	if err != nil {
		return nil, err
	}

	res, err := provider.Run(ctx, p, req.ModelID, provider.Input{Prompt: req.Prompt, Params: req.Params}, s.opts)
	if err != nil {
		if _, rerr := s.billing.Refund(context.WithoutCancel(ctx), charge.AIRequestID); rerr != nil {
			s.log.Error("refund failed generation", "ai_request_id", charge.AIRequestID, "err", rerr)
		}
		return nil, fmt.Errorf("generate: %w", err)
	}

	url := res.ResultURL
	if s.results != nil {
		if stored, err := s.results.Save(ctx, charge.AIRequestID, url); err != nil {
			s.log.Warn("mirror generation result", "ai_request_id", charge.AIRequestID, "err", err)
		} else {
			url = stored
		}
	}

	s.log.Info("generation completed", "user_id", userID, "model", req.ModelID, "tokens", price.Tokens)
	return &GenerationResult{URL: url, Tokens: price.Tokens, AIRequestID: charge.AIRequestID}, nil
}
