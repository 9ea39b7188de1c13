package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/digkill/NeuroMeter/internal/models"
)

const defaultCurrency = "RUB"

type PlanService struct {
	repo PlanStore
}

type CreatePlanInput struct {
	Title        string
	Description  string
	Type         models.SubscriptionType
	Tokens       int64
	DurationDays int
	Price        decimal.Decimal
	Currency     string
	IsActive     *bool
}

type UpdatePlanInput struct {
	Title        *string
	Description  *string
	Tokens       *int64
	DurationDays *int
	Price        *decimal.Decimal
	Currency     *string
	IsActive     *bool
}

func NewPlanService(repo PlanStore) *PlanService {
	return &PlanService{repo: repo}
}

func (s *PlanService) List(ctx context.Context, activeOnly bool) ([]models.Plan, error) {
	return s.repo.ListPlans(ctx, activeOnly)
}

func (s *PlanService) Create(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if input.Type == "" {
		input.Type = models.SubscriptionTokens
	}
	switch input.Type {
	case models.SubscriptionTokens:
		if input.Tokens <= 0 {
			return nil, fmt.Errorf("tokens must be positive")
		}
	case models.SubscriptionUnlimited1Day:
		if input.DurationDays <= 0 {
			input.DurationDays = 1
		}
	default:
		return nil, fmt.Errorf("unknown subscription type %q", input.Type)
	}
	if input.DurationDays < 0 {
		return nil, fmt.Errorf("duration cannot be negative")
	}
	if input.Price.IsNegative() {
		return nil, fmt.Errorf("price cannot be negative")
	}
	if input.Currency == "" {
		input.Currency = defaultCurrency
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	plan := models.Plan{
		Title:        input.Title,
		Description:  input.Description,
		Type:         input.Type,
		Tokens:       input.Tokens,
		DurationDays: input.DurationDays,
		Price:        input.Price,
		Currency:     input.Currency,
		IsActive:     isActive,
	}
	id, err := s.repo.CreatePlan(ctx, &plan)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	plan.ID = id
	return &plan, nil
}

func (s *PlanService) Update(ctx context.Context, id int64, input UpdatePlanInput) (*models.Plan, error) {
	existing, err := s.repo.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrPlanNotFound
	}
	if input.Title != nil && *input.Title != "" {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Tokens != nil && *input.Tokens > 0 {
		existing.Tokens = *input.Tokens
	}
	if input.DurationDays != nil && *input.DurationDays >= 0 {
		existing.DurationDays = *input.DurationDays
	}
	if input.Price != nil && !input.Price.IsNegative() {
		existing.Price = *input.Price
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	ok, err := s.repo.UpdatePlan(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	if !ok {
		return nil, ErrPlanNotFound
	}
	return existing, nil
}

func (s *PlanService) Delete(ctx context.Context, id int64) error {
	ok, err := s.repo.DeletePlan(ctx, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	if !ok {
		return ErrPlanNotFound
	}
	return nil
}

func (s *PlanService) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	plan, err := s.repo.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}
