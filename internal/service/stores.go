package service

import (
	"context"
	"errors"
	"time"

	"github.com/digkill/NeuroMeter/internal/models"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrModelCostNotFound    = errors.New("model cost not found")
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrUnknownFlag          = errors.New("unknown flag")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNoProvider           = errors.New("no provider for model")
)

// Stores return (nil, nil) from single-row getters when the row does not exist.

type UserStore interface {
	EnsureUser(ctx context.Context, u *models.User) (*models.User, bool, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
}

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) (int64, error)
	GetSubscription(ctx context.Context, id int64) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error)
	DeactivateSubscription(ctx context.Context, id int64) (bool, error)
	ListAIRequests(ctx context.Context, userID int64, limit int) ([]models.AIRequest, error)
}

type PlanStore interface {
	CreatePlan(ctx context.Context, plan *models.Plan) (int64, error)
	UpdatePlan(ctx context.Context, plan *models.Plan) (bool, error)
	DeletePlan(ctx context.Context, id int64) (bool, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]models.Plan, error)
}

type PromoStore interface {
	CreatePromo(ctx context.Context, p *models.PromoCode) (int64, error)
	ListPromos(ctx context.Context) ([]models.PromoCode, error)
	DeletePromo(ctx context.Context, id int64) (bool, error)
	// InPromoTx serializes redemptions of the same code. Writes are discarded when fn fails.
	InPromoTx(ctx context.Context, fn func(ctx context.Context, tx PromoTx) error) error
}

// PromoTx is the redemption transaction.
type PromoTx interface {
	LockPromo(ctx context.Context, code string) (*models.PromoCode, error)
	HasRedeemed(ctx context.Context, userID, promoID int64) (bool, error)
	RecordRedemption(ctx context.Context, userID, promoID int64, at time.Time) error
	IncrementPromoUses(ctx context.Context, promoID int64) error
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) (int64, error)
}

type ModelCostStore interface {
	GetModelCost(ctx context.Context, modelID string) (*models.ModelCost, error)
	UpsertModelCost(ctx context.Context, cost *models.ModelCost) error
	ListModelCosts(ctx context.Context) ([]models.ModelCost, error)
	DeleteModelCost(ctx context.Context, modelID string) (bool, error)
}

type SettingsStore interface {
	Bool(ctx context.Context, key string, def bool) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}
