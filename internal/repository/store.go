// Package repository implements the persistence interfaces on MySQL.
package repository

import (
	"database/sql"

	"github.com/digkill/NeuroMeter/internal/service"
)

// Store bundles every repository over one connection pool.
type Store struct {
	*UserRepository
	*SubscriptionRepository
	*LedgerRepository
	*ModelCostRepository
	*SettingsRepository
	*PlanRepository
	*PromoRepository
	*JobRepository
}

var (
	_ service.UserStore         = (*Store)(nil)
	_ service.SubscriptionStore = (*Store)(nil)
	_ service.PlanStore         = (*Store)(nil)
	_ service.ModelCostStore    = (*Store)(nil)
	_ service.SettingsStore     = (*Store)(nil)
)

func NewStore(db *sql.DB) *Store {
	return &Store{
		UserRepository:         NewUserRepository(db),
		SubscriptionRepository: NewSubscriptionRepository(db),
		LedgerRepository:       NewLedgerRepository(db),
		ModelCostRepository:    NewModelCostRepository(db),
		SettingsRepository:     NewSettingsRepository(db),
		PlanRepository:         NewPlanRepository(db),
		PromoRepository:        NewPromoRepository(db),
		JobRepository:          NewJobRepository(db),
	}
}
