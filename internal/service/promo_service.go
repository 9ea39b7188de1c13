package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

type PromoService struct {
	promos PromoStore
	plans  PlanStore
	log    *slog.Logger
	now    func() time.Time
}

func NewPromoService(promos PromoStore, plans PlanStore, log *slog.Logger) *PromoService {
	return &PromoService{promos: promos, plans: plans, log: log, now: time.Now}
}

func (s *PromoService) Create(ctx context.Context, code string, planID int64, maxUses int) (*models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if maxUses <= 0 {
		return nil, fmt.Errorf("max uses must be positive")
	}
	plan, err := s.plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}

	promo := &models.PromoCode{Code: code, PlanID: planID, MaxUses: maxUses}
	id, err := s.promos.CreatePromo(ctx, promo)
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	promo.ID = id
	return promo, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.ListPromos(ctx)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	ok, err := s.promos.DeletePromo(ctx, id)
	if err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	if !ok {
		return ErrPromoInvalid
	}
	return nil
}

// Redeem grants the code's plan to the user. A user can redeem each code once.
func (s *PromoService) Redeem(ctx context.Context, userID int64, code string) (*models.Subscription, error) {
	code = strings.TrimSpace(code)
	var granted *models.Subscription

	err := s.promos.InPromoTx(ctx, func(ctx context.Context, tx PromoTx) error {
		promo, err := tx.LockPromo(ctx, code)
		if err != nil {
			return fmt.Errorf("lock promo: %w", err)
		}
		if promo == nil {
			return ErrPromoInvalid
		}
		if promo.Uses >= promo.MaxUses {
			return ErrPromoExhausted
		}

		redeemed, err := tx.HasRedeemed(ctx, userID, promo.ID)
		if err != nil {
			return fmt.Errorf("check redemption: %w", err)
		}
		if redeemed {
			return ErrPromoAlreadyRedeemed
		}

		plan, err := tx.GetPlan(ctx, promo.PlanID)
		if err != nil {
			return fmt.Errorf("get plan: %w", err)
		}
		if plan == nil {
			return ErrPromoInvalid
		}

		now := s.now()
		sub, err := buildSubscription(userID, GrantFromPlan(plan, SourcePromo), now)
		if err != nil {
			return err
		}
		if err := tx.RecordRedemption(ctx, userID, promo.ID, now); err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}
		if err := tx.IncrementPromoUses(ctx, promo.ID); err != nil {
			return fmt.Errorf("increment promo uses: %w", err)
		}
		id, err := tx.CreateSubscription(ctx, sub)
		if err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		sub.ID = id
		granted = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("promo redeemed", "user_id", userID, "code", code, "subscription_id", granted.ID)
	return granted, nil
}
