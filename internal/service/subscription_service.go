package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/NeuroMeter/internal/models"
)

// Grant sources.
const (
	SourceAdmin    = "admin"
	SourcePurchase = "purchase"
	SourceReferral = "referral"
	SourcePromo    = "promo"
)

type SubscriptionService struct {
	subs  SubscriptionStore
	plans PlanStore
	log   *slog.Logger
	now   func() time.Time
}

func NewSubscriptionService(subs SubscriptionStore, plans PlanStore, log *slog.Logger) *SubscriptionService {
	return &SubscriptionService{subs: subs, plans: plans, log: log, now: time.Now}
}

type GrantInput struct {
	Type   models.SubscriptionType
	Tokens int64
	// Duration of zero grants an eternal token subscription. Unlimited grants default to one day.
	Duration time.Duration
	Price    decimal.Decimal
	Source   string
}

// Grant creates a subscription that starts now.
func (s *SubscriptionService) Grant(ctx context.Context, userID int64, in GrantInput) (*models.Subscription, error) {
	sub, err := s.build(userID, in)
	if err != nil {
		return nil, err
	}
	id, err := s.subs.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	sub.ID = id

	s.log.Info("subscription granted",
		"user_id", userID,
		"subscription_id", id,
		"type", sub.Type,
		"tokens", sub.TokensAmount,
		"source", sub.Source,
	)
	return sub, nil
}

// GrantPlan grants the subscription described by a plan.
func (s *SubscriptionService) GrantPlan(ctx context.Context, userID, planID int64, source string) (*models.Subscription, error) {
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrPlanNotFound
	}
	return s.Grant(ctx, userID, GrantFromPlan(plan, source))
}

// Revoke deactivates a subscription. It is never deleted.
func (s *SubscriptionService) Revoke(ctx context.Context, subscriptionID int64) error {
	ok, err := s.subs.DeactivateSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if !ok {
		existing, err := s.subs.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if existing == nil {
			return ErrSubscriptionNotFound
		}
		return nil
	}
	s.log.Info("subscription revoked", "subscription_id", subscriptionID)
	return nil
}

type Balance struct {
	Tokens         int64                 `json:"tokens"`
	Unlimited      bool                  `json:"unlimited"`
	UnlimitedUntil *time.Time            `json:"unlimited_until,omitempty"`
	Subscriptions  []models.Subscription `json:"subscriptions"`
}

// Balance summarizes the user's usable subscriptions.
func (s *SubscriptionService) Balance(ctx context.Context, userID int64) (*Balance, error) {
	all, err := s.subs.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	now := s.now()
	b := &Balance{Subscriptions: []models.Subscription{}}
	for _, sub := range all {
		if !sub.Usable(now) {
			continue
		}
		b.Subscriptions = append(b.Subscriptions, sub)
		if sub.Type.IsUnlimited() {
			b.Unlimited = true
			if sub.ExpiresAt != nil && (b.UnlimitedUntil == nil || sub.ExpiresAt.After(*b.UnlimitedUntil)) {
				until := *sub.ExpiresAt
				b.UnlimitedUntil = &until
			}
			continue
		}
		b.Tokens += sub.TokensRemaining()
	}
	return b, nil
}

// History lists the user's most recent AI requests.
func (s *SubscriptionService) History(ctx context.Context, userID int64, limit int) ([]models.AIRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	reqs, err := s.subs.ListAIRequests(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ai requests: %w", err)
	}
	return reqs, nil
}

func (s *SubscriptionService) build(userID int64, in GrantInput) (*models.Subscription, error) {
	return buildSubscription(userID, in, s.now())
}

// GrantFromPlan turns a plan template into grant parameters.
func GrantFromPlan(plan *models.Plan, source string) GrantInput {
	return GrantInput{
		Type:     plan.Type,
		Tokens:   plan.Tokens,
		Duration: time.Duration(plan.DurationDays) * 24 * time.Hour,
		Price:    plan.Price,
		Source:   source,
	}
}

func buildSubscription(userID int64, in GrantInput, now time.Time) (*models.Subscription, error) {
	switch in.Type {
	case models.SubscriptionTokens:
		if in.Tokens <= 0 {
			return nil, fmt.Errorf("tokens must be positive")
		}
	case models.SubscriptionUnlimited1Day:
		if in.Duration <= 0 {
			in.Duration = 24 * time.Hour
		}
	default:
		return nil, fmt.Errorf("unknown subscription type %q", in.Type)
	}
	if in.Duration < 0 {
		return nil, fmt.Errorf("duration cannot be negative")
	}
	if in.Price.IsNegative() {
		return nil, fmt.Errorf("price cannot be negative")
	}
	if in.Source == "" {
		in.Source = SourceAdmin
	}

	sub := &models.Subscription{
		UserID:       userID,
		Type:         in.Type,
		TokensAmount: in.Tokens,
		Price:        in.Price,
		IsActive:     true,
		Source:       in.Source,
		StartedAt:    now,
		CreatedAt:    now,
	}
	if in.Duration > 0 {
		expires := now.Add(in.Duration)
		sub.ExpiresAt = &expires
	}
	return sub, nil
}
