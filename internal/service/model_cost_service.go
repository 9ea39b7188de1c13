package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/NeuroMeter/internal/models"
	"github.com/digkill/NeuroMeter/internal/registry"
)

// Invalidator drops cached cost rows. *registry.Registry satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, modelID string)
}

// ModelCostService is the admin side of the cost registry. Every write invalidates the cache.
type ModelCostService struct {
	store ModelCostStore
	cache Invalidator
	log   *slog.Logger
}

func NewModelCostService(store ModelCostStore, cache Invalidator, log *slog.Logger) *ModelCostService {
	return &ModelCostService{store: store, cache: cache, log: log}
}

func (s *ModelCostService) List(ctx context.Context) ([]models.ModelCost, error) {
	return s.store.ListModelCosts(ctx)
}

func (s *ModelCostService) Get(ctx context.Context, modelID string) (*models.ModelCost, error) {
	mc, err := s.store.GetModelCost(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if mc == nil {
		return nil, ErrModelCostNotFound
	}
	return mc, nil
}

// Save creates or replaces a model's cost row.
func (s *ModelCostService) Save(ctx context.Context, mc models.ModelCost) (*models.ModelCost, error) {
	if err := registry.Validate(mc); err != nil {
		return nil, err
	}
	if err := s.store.UpsertModelCost(ctx, &mc); err != nil {
		return nil, fmt.Errorf("upsert model cost: %w", err)
	}
	s.cache.Invalidate(ctx, mc.ModelID)
	s.log.Info("model cost saved", "model", mc.ModelID, "unit", mc.CostUnit, "tokens_per_unit", mc.TokensPerUnit, "active", mc.IsActive)
	return &mc, nil
}

func (s *ModelCostService) Delete(ctx context.Context, modelID string) error {
	ok, err := s.store.DeleteModelCost(ctx, modelID)
	if err != nil {
		return fmt.Errorf("delete model cost: %w", err)
	}
	if !ok {
		return ErrModelCostNotFound
	}
	s.cache.Invalidate(ctx, modelID)
	s.log.Info("model cost deleted", "model", modelID)
	return nil
}
